package httpconn

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/buffer"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

const (
	// DummyHost is the placeholder host requests are resolved against when
	// they carry a plain path instead of an absolute URI.
	DummyHost = "nohost"
	// DummyBase is the URL form of DummyHost.
	DummyBase = "http://" + DummyHost

	// HTMLMimeType is the Content-Type sent when a handler sets none.
	HTMLMimeType = "text/html; charset=utf-8"

	readChunk      = 8192
	maxHeaderBytes = 64 * 1024
)

// ErrMalformedRequest is returned by Parse when the request line does not
// have exactly three whitespace separated tokens.
var ErrMalformedRequest = errors.New("httpconn: malformed request line")

var errHeaderTooLarge = errors.New("httpconn: request header too large")

var dummyBase, _ = url.Parse(DummyBase)

// Connection wraps one accepted or outbound socket. It is owned by a single
// goroutine at a time: the worker that parses and answers requests, or the
// relay scheduler once the connection has been handed over.
type Connection struct {
	// Request fields, reset by every successful ReadHeaders.
	Method  string
	Path    string
	Version string
	URL     *url.URL
	Headers map[string]string

	// Status is the response status, 200 unless a handler changes it.
	Status int
	// CompressResponse deflates whole-buffer responses when the client
	// accepts it.
	CompressResponse bool

	s      stream
	in     buffer.Buffer
	out    *bufio.Writer
	remote string
	label  string

	responseHeaders strings.Builder
	headersSent     bool
	hasContentType  bool
	knowsLength     bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps an accepted or dialed TCP connection.
func New(conn net.Conn) *Connection {
	return newConnection(conn, newPlainStream(conn))
}

// NewTLS wraps a TLS connection. The handshake is driven by the first read
// unless the caller has already completed it.
func NewTLS(conn *tls.Conn) *Connection {
	return newConnection(conn, newTLSStream(conn, conn.NetConn()))
}

func newConnection(conn net.Conn, s stream) *Connection {
	c := &Connection{
		Version: "HTTP/1.1",
		URL:     dummyBase,
		Headers: map[string]string{},
		Status:  200,
		s:       s,
		remote:  "address unknown",
	}
	c.out = bufio.NewWriterSize(writerFunc(s.write), readChunk)
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		c.remote = tcp.IP.String()
	}
	return c
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// RemoteAddr returns the peer IP address.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// readLine returns the next LF terminated line without its trailing CR/LF.
func (c *Connection) readLine() (string, error) {
	chunk := make([]byte, readChunk)
	for {
		if i := c.in.IndexByte('\n'); i >= 0 {
			line := string(bytes.TrimRight(c.in.Bytes()[:i], "\r\n"))
			c.in.Consume(i + 1)
			return line, nil
		}
		if c.in.Len() > maxHeaderBytes {
			return "", errHeaderTooLarge
		}
		n, err := c.s.read(chunk)
		if n > 0 {
			c.in.Append(chunk[:n])
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
}

// ReadHeaders parses the request line and headers of the next request and
// resets all per-request response state. It returns false when the
// connection should be abandoned: EOF, a socket error, or a malformed
// request line.
func (c *Connection) ReadHeaders() bool {
	return c.Parse() == nil
}

// Parse is ReadHeaders with the cause of a failure.
func (c *Connection) Parse() error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return fmt.Errorf("%w: %q", ErrMalformedRequest, line)
	}

	c.Method, c.Path, c.Version = parts[0], parts[1], parts[2]
	c.URL = dummyBase
	if ref, err := url.Parse(c.Path); err == nil {
		c.URL = dummyBase.ResolveReference(ref)
	}
	c.Headers = map[string]string{}
	c.Status = 200
	c.responseHeaders.Reset()
	c.headersSent = false
	c.hasContentType = false
	c.knowsLength = false
	c.CompressResponse = false

	for {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil
		}
		c.Headers[name] = value
	}
}

// Header returns a request header, falling back to a case-insensitive
// match when the exact spelling is absent.
func (c *Connection) Header(name string) string {
	if v, ok := c.Headers[name]; ok {
		return v
	}
	for k, v := range c.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ContentType is the request Content-Type, text/plain if absent.
func (c *Connection) ContentType() string {
	if v := c.Header("Content-Type"); v != "" {
		return v
	}
	return "text/plain"
}

// ContentLength is the request Content-Length, if present and numeric.
func (c *Connection) ContentLength() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(c.Header("Content-Length")))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Read fills p from the bytes already buffered by header parsing and then
// from the socket. It returns fewer than len(p) bytes only on EOF or error.
func (c *Connection) Read(p []byte) (int, error) {
	pos := c.in.Next(p)
	for pos < len(p) {
		n, err := c.s.read(p[pos:])
		pos += n
		if err != nil {
			return pos, err
		}
		if n <= 0 {
			return pos, io.ErrUnexpectedEOF
		}
	}
	return pos, nil
}

// PostData reads a request body of Content-Length bytes.
func (c *Connection) PostData() ([]byte, error) {
	n, ok := c.ContentLength()
	if !ok {
		return nil, errors.New("httpconn: no Content-Length")
	}
	body := make([]byte, n)
	if got, err := c.Read(body); got != n {
		return body[:got], fmt.Errorf("read %d of %d bytes post data: %w", got, n, err)
	}
	return body, nil
}

// PostString is PostData as a string.
func (c *Connection) PostString() (string, error) {
	body, err := c.PostData()
	return string(body), err
}

// Write sends raw bytes, bypassing response header synthesis.
func (c *Connection) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

// Flush pushes buffered output to the socket.
func (c *Connection) Flush() error {
	return c.out.Flush()
}

// Close flushes pending output and closes the socket. Only the first call
// has any effect.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.out.Flush()
		c.closeErr = c.s.close()
		if c.label != "" {
			logger.Debug("Relayed connection closed", "label", c.label, "remote_addr", c.remote, "error", c.closeErr)
		}
	})
	return c.closeErr
}
