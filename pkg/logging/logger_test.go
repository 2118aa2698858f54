package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"ERROR", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestComponentLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	base := initLogger(&buf, "info", "json")
	NewComponentLogger(base, "billing").Info("polar_webhook_received")
	if !strings.Contains(buf.String(), `"component":"billing"`) {
		t.Fatalf("expected component attribute, got %s", buf.String())
	}
}
