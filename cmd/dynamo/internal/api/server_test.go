package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hasirciogluhq/dynamo/cmd/dynamo/internal/relay"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHealthServer_Readiness(t *testing.T) {
	hs := NewHealthServer("127.0.0.1:0", nil)
	h := hs.Handler()

	if code, body := get(t, h, "/health"); code != 200 || body != "ok" {
		t.Fatalf("/health: %d %q", code, body)
	}
	if code, _ := get(t, h, "/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("/ready before SetReady: %d", code)
	}
	hs.SetReady(true)
	if code, body := get(t, h, "/ready"); code != 200 || body != "ready" {
		t.Fatalf("/ready: %d %q", code, body)
	}
	if code, _ := get(t, h, "/metrics"); code != http.StatusNotFound {
		t.Fatalf("/metrics without gatherer: %d", code)
	}
}

func TestHealthServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	relay.NewMetrics(reg)

	hs := NewHealthServer("127.0.0.1:0", reg)
	code, body := get(t, hs.Handler(), "/metrics")
	if code != 200 {
		t.Fatalf("/metrics: %d", code)
	}
	if !strings.Contains(body, "dynamo_relay_pairings") {
		t.Fatalf("relay gauge missing:\n%s", body)
	}
}
