package core

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/relay"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/utils"
)

func startServer(t *testing.T, handlers ...Handler) (*Server, string) {
	t.Helper()
	ln, port, err := Listen(0, true)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s := &Server{Listener: ln, Handlers: handlers}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, "127.0.0.1:" + strconv.Itoa(port)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echoPath() Handler {
	return HandlerFunc(func(c *httpconn.Connection) Processed {
		c.SendResponse(httpconn.OK("path " + c.Path))
		return HandledAndReusable
	})
}

func readBody(t *testing.T, br *bufio.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestListen_PicksPort(t *testing.T) {
	ln, port, err := Listen(0, true)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	if port == 0 {
		t.Fatal("no port assigned")
	}
	if _, _, err := Listen(port, true); err == nil {
		t.Fatal("second bind on a listening port succeeded")
	}
}

func TestServe_KeepAlive(t *testing.T) {
	_, addr := startServer(t, echoPath())
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	io.WriteString(conn, "GET /first HTTP/1.1\r\nHost: x\r\n\r\n")
	if _, body := readBody(t, br); body != "path /first" {
		t.Fatalf("first body=%q", body)
	}

	io.WriteString(conn, "GET /second HTTP/1.1\r\nHost: x\r\n\r\n")
	if _, body := readBody(t, br); body != "path /second" {
		t.Fatalf("second body=%q", body)
	}
}

func TestServe_Pipelined(t *testing.T) {
	_, addr := startServer(t, echoPath())
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	io.WriteString(conn, "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n")
	for _, want := range []string{"path /a", "path /b"} {
		if _, body := readBody(t, br); body != want {
			t.Fatalf("body=%q want %q", body, want)
		}
	}
}

func TestServe_UnclaimedIsInvalid(t *testing.T) {
	_, addr := startServer(t, HandlerFunc(func(*httpconn.Connection) Processed { return NotHandled }))
	conn := dial(t, addr)
	br := bufio.NewReader(conn)

	io.WriteString(conn, "GET /x HTTP/1.1\r\n\r\n")
	resp, body := readBody(t, br)
	if resp.StatusCode != 400 {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if body != "Invalid request: GET /x HTTP/1.1" {
		t.Fatalf("body=%q", body)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		t.Fatalf("connection left open: %v", err)
	}
}

func TestServe_MalformedClosesWithoutResponse(t *testing.T) {
	_, addr := startServer(t, echoPath())
	conn := dial(t, addr)

	io.WriteString(conn, "NONSENSE\r\n\r\n")
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("unexpected response %q", out)
	}
}

func TestServe_HandlerOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(name string, result Processed) Handler {
		return HandlerFunc(func(c *httpconn.Connection) Processed {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			if result != NotHandled {
				c.SendResponse(httpconn.OK(name))
			}
			return result
		})
	}
	_, addr := startServer(t,
		record("logging", NotHandled),
		record("claims", HandledAndReusable),
		record("never", HandledAndReusable),
	)
	conn := dial(t, addr)
	io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")
	if _, body := readBody(t, bufio.NewReader(conn)); body != "claims" {
		t.Fatalf("body=%q", body)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "logging" || seen[1] != "claims" {
		t.Fatalf("handlers offered: %v", seen)
	}
}

func TestServe_HandledLeavesConnectionToHandler(t *testing.T) {
	owned := make(chan *httpconn.Connection, 1)
	_, addr := startServer(t, HandlerFunc(func(c *httpconn.Connection) Processed {
		owned <- c
		return Handled
	}))
	conn := dial(t, addr)
	io.WriteString(conn, "GET / HTTP/1.1\r\n\r\n")

	c := <-owned
	c.Print("still mine")
	c.Close()
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("handler output lost")
	}
}

func tlsConfig(t *testing.T) *tls.Config {
	t.Helper()
	certPEM, keyPEM, err := utils.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func startTLSServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, port, err := Listen(0, true)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	s.Listener = ln
	s.TLSConfig = tlsConfig(t)
	go s.ServeTLS()
	t.Cleanup(func() { s.Close() })
	return "127.0.0.1:" + strconv.Itoa(port)
}

func dialTLS(t *testing.T, addr string) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeTLS_RunsHandlers(t *testing.T) {
	addr := startTLSServer(t, &Server{Handlers: []Handler{echoPath()}})
	conn := dialTLS(t, addr)
	br := bufio.NewReader(conn)

	for _, path := range []string{"/one", "/two"} {
		io.WriteString(conn, "GET "+path+" HTTP/1.1\r\n\r\n")
		if _, body := readBody(t, br); body != "path "+path {
			t.Fatalf("body=%q", body)
		}
	}
}

type loopbackResolver struct{}

func (loopbackResolver) Resolve(_ context.Context, host string, port int) (string, error) {
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func TestServeTLS_Surrogate(t *testing.T) {
	_, backend := startServer(t, echoPath())

	opts := relay.DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	scheduler := relay.New(opts, relay.SelectPoller{})

	addr := startTLSServer(t, &Server{
		Surrogate: "http://" + backend,
		Resolver:  loopbackResolver{},
		Relay:     scheduler,
	})
	conn := dialTLS(t, addr)
	br := bufio.NewReader(conn)

	for _, path := range []string{"/relayed", "/again"} {
		io.WriteString(conn, "GET "+path+" HTTP/1.1\r\n\r\n")
		if _, body := readBody(t, br); body != "path "+path {
			t.Fatalf("body=%q", body)
		}
	}
}

func TestServeTLS_SurrogateNeedsRelay(t *testing.T) {
	ln, _, err := Listen(0, true)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	s := &Server{Listener: ln, TLSConfig: &tls.Config{}, Surrogate: "http://127.0.0.1:1"}
	if err := s.ServeTLS(); err == nil {
		t.Fatal("expected configuration error")
	}
}
