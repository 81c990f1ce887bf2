package httpconn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

const (
	// WebDateFormat is used for Date and Last-Modified.
	WebDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
	// CookieDateFormat is used for Set-Cookie Expires.
	CookieDateFormat = "Mon, 02-Jan-2006 15:04:05 GMT"

	serverToken = "Dynamo"
)

var statusText = map[int]string{
	200: "OK",
	304: "Redirect",
	400: "Invalid request",
	404: "File not found",
	500: "Server error",
}

// StatusText is the reason phrase written for code.
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown Status"
}

// Response is a whole response a handler can hand to SendResponse.
type Response interface {
	send(c *Connection)
}

// OK is an HTML (or plain) body with status 200.
type OK string

// Data is a binary body with status 200.
type Data []byte

// JSON is a value encoded as indented JSON with status 200.
type JSON struct{ Value any }

// Status is a body sent with an explicit status code.
type Status struct {
	Code int
	Text string
}

func (r OK) send(c *Connection)     { c.Response(string(r)) }
func (r Data) send(c *Connection)   { c.ResponseData(r) }
func (r JSON) send(c *Connection)   { c.ResponseJSON(r.Value) }
func (r Status) send(c *Connection) { c.Status = r.Code; c.Response(r.Text) }

// SendResponse sends r as a complete response with a Content-Length, so
// the connection can serve another request afterwards.
func (c *Connection) SendResponse(r Response) {
	c.Status = 200
	r.send(c)
}

// AddResponseHeader appends a response header. It is ignored once the
// headers have gone out.
func (c *Connection) AddResponseHeader(name, value string) {
	if c.headersSent {
		logger.Warn("Response header added after headers were sent", "header", name, "remote_addr", c.remote)
		return
	}
	c.responseHeaders.WriteString(name)
	c.responseHeaders.WriteString(": ")
	c.responseHeaders.WriteString(value)
	c.responseHeaders.WriteString("\r\n")
}

// SetContentType sets the response Content-Type.
func (c *Connection) SetContentType(mimeType string) {
	if c.headersSent {
		logger.Warn("Content-Type set after headers were sent", "remote_addr", c.remote)
		return
	}
	c.AddResponseHeader("Content-Type", mimeType)
	c.hasContentType = true
}

// SetContentLength sets the response Content-Length, which makes the
// connection reusable once the body is written.
func (c *Connection) SetContentLength(n int) {
	if c.headersSent {
		logger.Warn("Content-Length set after headers were sent", "remote_addr", c.remote)
		return
	}
	c.AddResponseHeader("Content-Length", strconv.Itoa(n))
	c.knowsLength = true
}

// KnowsResponseLength reports whether a Content-Length was supplied.
func (c *Connection) KnowsResponseLength() bool {
	return c.knowsLength
}

// HeadersSent reports whether the status line has been written.
func (c *Connection) HeadersSent() bool {
	return c.headersSent
}

// CookieOptions are the optional Set-Cookie attributes.
type CookieOptions struct {
	Domain string
	Path   string
	// Expires is relative to now; zero makes a session cookie.
	Expires time.Duration
}

// SetCookie adds a Set-Cookie header with a percent escaped value.
func (c *Connection) SetCookie(name, value string, opts CookieOptions) {
	if c.headersSent {
		logger.Warn("Cookies must be set before the first content is sent", "cookie", name, "remote_addr", c.remote)
		return
	}
	c.AddResponseHeader("Set-Cookie", formatCookie(name, value, opts, time.Now()))
}

func formatCookie(name, value string, opts CookieOptions, now time.Time) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(url.PathEscape(value))
	if opts.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(opts.Domain)
	}
	if opts.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(opts.Path)
	}
	if opts.Expires != 0 {
		b.WriteString("; Expires=")
		b.WriteString(now.Add(opts.Expires).UTC().Format(CookieDateFormat))
	}
	return b.String()
}

// Cookies parses the request Cookie header.
func (c *Connection) Cookies() map[string]string {
	cookies := map[string]string{}
	for _, pair := range strings.Split(c.Header("Cookie"), ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		if unescaped, err := url.PathUnescape(value); err == nil {
			value = unescaped
		}
		cookies[name] = value
	}
	return cookies
}

// sendHeaders writes the status line and accumulated headers exactly once.
func (c *Connection) sendHeaders() {
	if c.headersSent {
		return
	}
	if !c.hasContentType {
		c.SetContentType(HTMLMimeType)
	}
	c.AddResponseHeader("Date", time.Now().UTC().Format(WebDateFormat))
	c.AddResponseHeader("Server", serverToken)

	fmt.Fprintf(c.out, "%s %d %s\r\n%s\r\n", c.Version, c.Status, StatusText(c.Status), c.responseHeaders.String())
	c.headersSent = true
}

// RawPrint writes s without sending headers.
func (c *Connection) RawPrint(s string) {
	c.out.WriteString(s)
}

// Print writes s as body output, sending the headers first if needed. A
// printed response has no known length so the connection is closed after.
func (c *Connection) Print(s string) {
	c.sendHeaders()
	c.out.WriteString(s)
}

// Response sends s as the whole response body.
func (c *Connection) Response(s string) {
	c.ResponseData([]byte(s))
}

// ResponseJSON sends v as an indented JSON document.
func (c *Connection) ResponseJSON(v any) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error("Could not encode JSON response", "error", err, "remote_addr", c.remote)
		return
	}
	c.SetContentType("application/json")
	c.ResponseData(body)
}

// ResponseData sends body as the whole response with its Content-Length,
// deflated first when CompressResponse is set and the client accepts it.
func (c *Connection) ResponseData(body []byte) {
	if c.headersSent {
		logger.Warn("Whole response sent after headers", "remote_addr", c.remote)
	} else {
		if c.CompressResponse && strings.Contains(c.Header("Accept-Encoding"), "deflate") {
			if deflated, err := deflate(body); err == nil {
				body = deflated
				c.AddResponseHeader("Content-Encoding", "deflate")
			} else {
				logger.Warn("Deflate failed, sending identity", "error", err)
			}
		}
		c.SetContentLength(len(body))
		c.sendHeaders()
	}
	if _, err := c.out.Write(body); err != nil {
		logger.Debug("Could not write response body", "bytes", len(body), "error", err, "remote_addr", c.remote)
		return
	}
	if err := c.out.Flush(); err != nil {
		logger.Debug("Could not flush response", "error", err, "remote_addr", c.remote)
	}
}

func deflate(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
