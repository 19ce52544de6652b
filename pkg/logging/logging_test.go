package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	t.Setenv(EnvLevel, "")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	Component("topic").Info("topic created", "topic", "News")
	slog.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["component"] != "topic" || rec["topic"] != "News" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	t.Setenv(EnvLevel, "debug")

	var buf bytes.Buffer
	SetupWriter(&buf, "error", "text")
	slog.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug line missing with %s=debug: %q", EnvLevel, buf.String())
	}
}
