package core

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/relay"
)

// Processed is a handler's answer to a request.
type Processed int

const (
	// NotHandled passes the request to the next handler.
	NotHandled Processed = iota
	// Handled claims the request. The handler now owns the connection and
	// must close it or hand it to the relay scheduler.
	Handled
	// HandledAndReusable claims the request after a complete response; the
	// server reads the next request from the same connection.
	HandledAndReusable
)

func (p Processed) String() string {
	switch p {
	case NotHandled:
		return "not_handled"
	case Handled:
		return "handled"
	case HandledAndReusable:
		return "handled_and_reusable"
	default:
		return "unknown"
	}
}

// Handler inspects a parsed request and optionally answers it.
type Handler interface {
	Present(c *httpconn.Connection) Processed
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *httpconn.Connection) Processed

func (f HandlerFunc) Present(c *httpconn.Connection) Processed {
	return f(c)
}

// ErrHostNotFound is returned by a HostResolver for names it does not
// know. Chained resolvers fall through to the next source on it.
var ErrHostNotFound = errors.New("host not found")

// HostResolver maps a proxy target to a dialable address. It abstracts the
// lookup source (static overrides, DNS, Kubernetes services).
type HostResolver interface {
	Resolve(ctx context.Context, host string, port int) (string, error)
}

// Relayer takes ownership of two connections and pumps bytes between them
// until either side closes.
type Relayer interface {
	Relay(label string, from, to relay.Endpoint)
}

// TLSProvider defines how to retrieve the server certificate.
// It abstracts away the storage mechanism (K8s Secret, File, memory).
type TLSProvider interface {
	GetCertificate(ctx context.Context) (*tls.Certificate, error)
	Store(ctx context.Context, certPEM, keyPEM []byte) error
}
