package httpconn

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Fd is the socket descriptor the relay scheduler polls.
func (c *Connection) Fd() int {
	return c.s.fd()
}

// Receive performs a single read for the relay scheduler.
func (c *Connection) Receive(p []byte) (int, error) {
	if c.in.Len() > 0 {
		return c.in.Next(p), nil
	}
	return c.s.receive(p)
}

// Forward performs a single write for the relay scheduler, pushing out
// anything still buffered from request handling first.
func (c *Connection) Forward(p []byte) (int, error) {
	if c.out.Buffered() > 0 {
		if err := c.out.Flush(); err != nil {
			return 0, err
		}
	}
	return c.s.forward(p)
}

// HasPending reports bytes that can be received without the socket
// becoming readable.
func (c *Connection) HasPending() bool {
	return c.in.Len() > 0 || c.s.pending()
}

// Drain hands over bytes read past the request headers.
func (c *Connection) Drain() []byte {
	if c.in.Len() == 0 {
		return nil
	}
	early := append([]byte(nil), c.in.Bytes()...)
	c.in.Reset()
	return early
}

// SetLabel names the connection in relay logs.
func (c *Connection) SetLabel(label string) {
	c.label = label
}

// Resolver maps a host and port to a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) (string, error)
}

// ResolveError reports that a target host had no usable address.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

const dialTimeout = 10 * time.Second

// Dial opens an outbound connection to host:port through r.
func Dial(ctx context.Context, r Resolver, host string, port int) (*Connection, error) {
	addr, err := r.Resolve(ctx, host, port)
	if err != nil {
		return nil, &ResolveError{Host: host, Err: err}
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	return New(conn), nil
}

// DialURL opens an outbound connection to the host of an absolute URL,
// port 80 unless the URL names one.
func DialURL(ctx context.Context, r Resolver, u string) (*Connection, error) {
	host, port, err := HostPort(u, 80)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, r, host, port)
}

// HostPort splits the authority of an absolute URL or a bare host[:port].
func HostPort(target string, defaultPort int) (string, int, error) {
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.Host
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", target)
	}
	return host, port, nil
}
