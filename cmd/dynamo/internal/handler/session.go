package handler

import (
	"context"
	"fmt"
	"html"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/core"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/httpconn"
	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/logger"
)

const (
	DefaultSessionCookie = "DynamoSession"
	DefaultSessionExpiry = 15 * time.Minute
	DefaultSweepInterval = time.Minute
)

// SessionFactory creates the application state for a new session.
type SessionFactory func(s *Session) App

// Session is one browser's state, keyed by the session cookie.
type Session struct {
	Key string

	manager *Sessions
	app     App
	expiry  time.Time
}

// Clear ends the session; the next request starts a new one.
func (s *Session) Clear() {
	s.manager.ClearSession(s.Key)
}

// SessionOptions tunes a Sessions handler. Zero values take the defaults.
type SessionOptions struct {
	CookieName    string
	Expiry        time.Duration
	SweepInterval time.Duration
}

// Sessions is an application handler that keeps one App instance per
// browser session. Expired sessions are removed by a periodic sweep.
type Sessions struct {
	Prefix string
	opts   SessionOptions

	factory atomic.Pointer[SessionFactory]

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessions(prefix string, factory SessionFactory, opts SessionOptions) *Sessions {
	if opts.CookieName == "" {
		opts.CookieName = DefaultSessionCookie
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultSessionExpiry
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	m := &Sessions{
		Prefix:   prefix,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	m.factory.Store(&factory)
	return m
}

// Present implements core.Handler.
func (m *Sessions) Present(c *httpconn.Connection) core.Processed {
	return (&Application{Prefix: m.Prefix, App: m}).Present(c)
}

// ProcessRequest finds or creates the caller's session and passes the
// request to its App.
func (m *Sessions) ProcessRequest(out *httpconn.Connection, pathInfo string, params, cookies map[string]string) {
	now := time.Now()

	m.mu.Lock()
	s, ok := m.sessions[cookies[m.opts.CookieName]]
	if !ok || now.After(s.expiry) {
		s = &Session{Key: uuid.NewString(), manager: m}
		s.app = (*m.factory.Load())(s)
		m.sessions[s.Key] = s
		out.SetCookie(m.opts.CookieName, s.Key, httpconn.CookieOptions{Path: m.Prefix})
	}
	s.expiry = now.Add(m.opts.Expiry)
	m.mu.Unlock()

	s.app.ProcessRequest(out, pathInfo, params, cookies)
}

// Reload replaces the factory used for new sessions. Existing sessions
// keep the App they were created with.
func (m *Sessions) Reload(factory SessionFactory) {
	m.factory.Store(&factory)
	logger.Info("Session application reloaded", "prefix", m.Prefix)
}

// ClearSession removes a session by key.
func (m *Sessions) ClearSession(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// Len is the number of live sessions.
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions that expired before now and returns how many.
func (m *Sessions) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, s := range m.sessions {
		if now.After(s.expiry) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every SweepInterval until ctx is done.
func (m *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				logger.Debug("Expired sessions removed", "prefix", m.Prefix, "count", n)
			}
		}
	}
}

// hitCounter is the built-in session demo: it counts requests per session
// and ends the session when asked to.
type hitCounter struct {
	session *Session
	hits    atomic.Int64
}

// NewHitCounter is a SessionFactory for the demo application.
func NewHitCounter(s *Session) App {
	return &hitCounter{session: s}
}

func (h *hitCounter) ProcessRequest(out *httpconn.Connection, pathInfo string, params, cookies map[string]string) {
	if _, ok := params["clear"]; ok {
		h.session.Clear()
		out.SendResponse(httpconn.OK("<html><body>Session cleared</body></html>"))
		return
	}
	n := h.hits.Add(1)
	out.SendResponse(httpconn.OK(fmt.Sprintf(
		"<html><body>Session %s: request %d for %s</body></html>",
		h.session.Key, n, html.EscapeString(pathInfo))))
}
