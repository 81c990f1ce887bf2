package handler

import (
	"log/slog"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

// Logging records every request offered to it and never claims one. It
// belongs at the head of a chain.
type Logging struct {
	log *slog.Logger
}

func NewLogging() *Logging {
	return &Logging{log: logger.Component("access")}
}

func (h *Logging) Present(c *httpconn.Connection) core.Processed {
	h.log.Info("Request",
		"method", c.Method,
		"path", c.Path,
		"version", c.Version,
		"remote_addr", c.RemoteAddr())
	return core.NotHandled
}
