package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger_TextLevels(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, false, "")
	l.Debug("hidden")
	l.Info("shown", "label", "-> example.com")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line emitted at info level: %q", out)
	}
	if !strings.Contains(out, `label="-> example.com"`) {
		t.Fatalf("missing attribute: %q", out)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, true, "JSON")
	l.Debug("trace", "fd", 7)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "trace" || rec["fd"] != float64(7) {
		t.Fatalf("record=%v", rec)
	}
}
