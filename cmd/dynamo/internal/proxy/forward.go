package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

const defaultDialTimeout = 10 * time.Second

// Forward proxies absolute-URI requests ("GET http://host/path HTTP/1.1")
// to the named host and relays the rest of the exchange.
type Forward struct {
	Resolver    core.HostResolver
	Relay       core.Relayer
	DialTimeout time.Duration

	log *slog.Logger
}

// NewForward creates a forward proxy handler.
func NewForward(resolver core.HostResolver, relay core.Relayer) *Forward {
	return &Forward{
		Resolver:    resolver,
		Relay:       relay,
		DialTimeout: defaultDialTimeout,
		log:         logger.Component("proxy"),
	}
}

// IsProxyRequest reports whether the request names a remote host in
// absolute-URI form. Plain paths resolve against the dummy host and are
// left to local handlers.
func IsProxyRequest(c *httpconn.Connection) bool {
	if c.URL == nil || c.URL.Host == "" || c.URL.Hostname() == httpconn.DummyHost {
		return false
	}
	return strings.Contains(c.Path, "://")
}

// RemotePath is the request target sent to the origin server: the path
// ("/" if empty), with the trailing slash kept for directory style requests
// and the query re-appended.
func RemotePath(c *httpconn.Connection) string {
	path := c.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !strings.HasSuffix(path, "/") && (strings.HasSuffix(c.Path, "/") || strings.Contains(c.Path, "/?")) {
		path += "/"
	}
	if c.URL.RawQuery != "" {
		path += "?" + c.URL.RawQuery
	}
	return path
}

func targetPort(c *httpconn.Connection) int {
	if p, err := strconv.Atoi(c.URL.Port()); err == nil && p > 0 {
		return p
	}
	if c.URL.Scheme == "https" {
		return 443
	}
	return 80
}

// Present implements core.Handler.
func (p *Forward) Present(c *httpconn.Connection) core.Processed {
	if !IsProxyRequest(c) {
		return core.NotHandled
	}
	log := p.log
	if log == nil {
		log = logger.Component("proxy")
	}
	host := c.URL.Hostname()

	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	remote, err := httpconn.Dial(ctx, p.Resolver, host, targetPort(c))
	if err != nil {
		log.Warn("Proxy target unavailable", "host", host, "remote_addr", c.RemoteAddr(), "error", err)
		c.SendResponse(httpconn.OK(fmt.Sprintf("Unable to resolve host %s", host)))
		c.Close()
		return core.Handled
	}

	remote.RawPrint(fmt.Sprintf("%s %s %s\r\n", c.Method, RemotePath(c), c.Version))
	for name, value := range c.Headers {
		remote.RawPrint(name + ": " + value + "\r\n")
	}
	remote.RawPrint("\r\n")
	if body := c.Drain(); len(body) > 0 {
		remote.Write(body)
	}
	if err := remote.Flush(); err != nil {
		log.Warn("Could not forward request", "host", host, "error", err)
		remote.Close()
		c.Close()
		return core.Handled
	}
	if err := c.Flush(); err != nil {
		remote.Close()
		c.Close()
		return core.Handled
	}

	log.Debug("Relaying proxy request", "host", host, "method", c.Method, "remote_addr", c.RemoteAddr())
	p.Relay.Relay(host, c, remote)
	return core.Handled
}
