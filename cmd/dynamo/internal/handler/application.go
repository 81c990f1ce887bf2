package handler

import (
	"net/url"
	"strings"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

// App is web application code behind an Application handler. It answers
// with out.SendResponse (reusable connection) or out.Print (connection
// closed afterwards).
type App interface {
	ProcessRequest(out *httpconn.Connection, pathInfo string, params, cookies map[string]string)
}

// AppFunc adapts a function to App.
type AppFunc func(out *httpconn.Connection, pathInfo string, params, cookies map[string]string)

func (f AppFunc) ProcessRequest(out *httpconn.Connection, pathInfo string, params, cookies map[string]string) {
	f(out, pathInfo, params, cookies)
}

// Application claims requests whose path starts with Prefix and hands them
// to App with the query, form POST parameters and cookies decoded.
type Application struct {
	Prefix string
	App    App
}

func NewApplication(prefix string, app App) *Application {
	return &Application{Prefix: prefix, App: app}
}

func (h *Application) Present(c *httpconn.Connection) core.Processed {
	pathInfo := c.URL.Path
	if !strings.HasPrefix(pathInfo, h.Prefix) {
		return core.NotHandled
	}

	params := map[string]string{}
	if c.URL.RawQuery != "" {
		AddParameters(params, c.URL.RawQuery, "&")
	}
	if c.Method == "POST" && strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		body, err := c.PostString()
		if err != nil {
			logger.Warn("POST data not available", "path", pathInfo, "remote_addr", c.RemoteAddr(), "error", err)
		} else {
			AddParameters(params, body, "&")
		}
	}

	h.App.ProcessRequest(c, pathInfo, params, c.Cookies())

	if c.KnowsResponseLength() {
		return core.HandledAndReusable
	}
	c.Close()
	return core.Handled
}

// AddParameters decodes name=value pairs separated by delim into params.
// Values are form decoded; a name with no "=" maps to "".
func AddParameters(params map[string]string, encoded, delim string) {
	for _, pair := range strings.Split(encoded, delim) {
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			params[pair] = ""
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			params[name] = decoded
		}
	}
}
