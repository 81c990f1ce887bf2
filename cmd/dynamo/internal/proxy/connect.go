package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

// DefaultAgent is the Proxy-agent token in tunnel responses.
const DefaultAgent = "Dynamo/1.0"

// Connect opens raw tunnels for CONNECT requests, typically carrying TLS
// the proxy never decrypts. It must come before Forward in a chain.
type Connect struct {
	Resolver    core.HostResolver
	Relay       core.Relayer
	Agent       string
	DialTimeout time.Duration

	log *slog.Logger
}

// NewConnect creates a CONNECT tunnel handler.
func NewConnect(resolver core.HostResolver, relay core.Relayer) *Connect {
	return &Connect{
		Resolver:    resolver,
		Relay:       relay,
		Agent:       DefaultAgent,
		DialTimeout: defaultDialTimeout,
		log:         logger.Component("proxy"),
	}
}

// Established is the response written when the tunnel is up.
func (p *Connect) Established() string {
	return "HTTP/1.0 200 Connection established\r\nProxy-agent: " + p.agent() + "\r\n\r\n"
}

func (p *Connect) agent() string {
	if p.Agent == "" {
		return DefaultAgent
	}
	return p.Agent
}

// Present implements core.Handler.
func (p *Connect) Present(c *httpconn.Connection) core.Processed {
	if c.Method != "CONNECT" {
		return core.NotHandled
	}
	log := p.log
	if log == nil {
		log = logger.Component("proxy")
	}

	host, port, err := httpconn.HostPort(c.Path, 443)
	if err != nil {
		log.Warn("Bad CONNECT target", "target", c.Path, "remote_addr", c.RemoteAddr(), "error", err)
		p.fail(c)
		return core.Handled
	}

	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	remote, err := httpconn.Dial(ctx, p.Resolver, host, port)
	if err != nil {
		log.Warn("Tunnel target unavailable", "target", c.Path, "remote_addr", c.RemoteAddr(), "error", err)
		p.fail(c)
		return core.Handled
	}

	c.RawPrint(p.Established())
	if err := c.Flush(); err != nil {
		remote.Close()
		c.Close()
		return core.Handled
	}

	log.Debug("Tunnel established", "target", c.Path, "remote_addr", c.RemoteAddr())
	p.Relay.Relay(c.Path, c, remote)
	return core.Handled
}

func (p *Connect) fail(c *httpconn.Connection) {
	c.RawPrint("HTTP/1.0 502 Bad Gateway\r\nProxy-agent: " + p.agent() + "\r\n\r\n")
	c.Close()
}
