package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

const defaultHandshakeTimeout = 10 * time.Second

// Server accepts connections and offers each parsed request to its
// handlers in order until one claims it.
type Server struct {
	Listener net.Listener
	Handlers []Handler

	// TLSConfig turns the listener into a TLS listener for ServeTLS.
	TLSConfig *tls.Config
	// Surrogate, when set, is the plain HTTP URL that every TLS connection
	// is relayed to instead of running the handlers locally.
	Surrogate string
	// Resolver and Relay are required with Surrogate.
	Resolver HostResolver
	Relay    Relayer

	HandshakeTimeout time.Duration

	logOnce sync.Once
	log     *slog.Logger
}

// Listen binds a TCP listener on port, on the loopback interface only when
// localhostOnly is set. Port 0 picks a free port; the bound port is
// returned.
func Listen(port int, localhostOnly bool) (net.Listener, int, error) {
	host := ""
	if localhostOnly {
		host = "127.0.0.1"
	}
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, 0, fmt.Errorf("could not bind port %d: %w", port, err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

func (s *Server) getLogger() *slog.Logger {
	s.logOnce.Do(func() {
		s.log = logger.Component("server").With("addr", s.Listener.Addr().String())
	})
	return s.log
}

// Serve accepts plain connections until the listener is closed.
func (s *Server) Serve() error {
	log := s.getLogger()
	log.Info("Server listening")
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(httpconn.New(conn))
	}
}

// ServeTLS accepts TLS connections until the listener is closed. Each one
// either runs the handlers or, with a Surrogate, is relayed to it.
func (s *Server) ServeTLS() error {
	if s.TLSConfig == nil {
		return errors.New("ServeTLS requires a TLS config")
	}
	if s.Surrogate != "" && (s.Resolver == nil || s.Relay == nil) {
		return errors.New("a TLS surrogate requires a resolver and a relay")
	}
	log := s.getLogger()
	log.Info("TLS server listening", "surrogate", s.Surrogate)
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveTLSConn(tls.Server(conn, s.TLSConfig))
	}
}

func (s *Server) serveTLSConn(conn *tls.Conn) {
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		s.getLogger().Debug("TLS handshake failed", "remote_addr", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	client := httpconn.NewTLS(conn)
	if s.Surrogate == "" {
		s.ServeConn(client)
		return
	}

	remote, err := httpconn.DialURL(ctx, s.Resolver, s.Surrogate)
	if err != nil {
		s.getLogger().Error("Could not connect to surrogate", "surrogate", s.Surrogate, "error", err)
		client.Close()
		return
	}
	s.Relay.Relay("surrogate", client, remote)
}

// ServeConn runs the request loop on one connection: parse, offer to the
// handlers, and repeat while a handler leaves the connection reusable.
func (s *Server) ServeConn(c *httpconn.Connection) {
	log := s.getLogger()
	for {
		if err := c.Parse(); err != nil {
			if errors.Is(err, httpconn.ErrMalformedRequest) {
				log.Warn("Malformed request", "remote_addr", c.RemoteAddr(), "error", err)
			}
			c.Close()
			return
		}

		switch s.dispatch(c) {
		case HandledAndReusable:
			if err := c.Flush(); err != nil {
				c.Close()
				return
			}
		case Handled:
			return
		default:
			c.Status = 400
			c.Response(fmt.Sprintf("Invalid request: %s %s %s", c.Method, c.Path, c.Version))
			c.Close()
			return
		}
	}
}

func (s *Server) dispatch(c *httpconn.Connection) Processed {
	for _, h := range s.Handlers {
		if p := h.Present(c); p != NotHandled {
			return p
		}
	}
	return NotHandled
}

// Close stops accepting connections. Connections already accepted are not
// affected.
func (s *Server) Close() error {
	return s.Listener.Close()
}
