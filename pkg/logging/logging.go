package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel overrides the configured level when set (e.g. DRP_LOG_LEVEL=debug).
const EnvLevel = "DRP_LOG_LEVEL"

// Setup configures the default slog logger with the given level and format.
// format can be "text" (human-readable) or "json" (machine-parseable).
// level can be "debug", "info", "warn", "error".
func Setup(level, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter configures the default slog logger writing to w.
func SetupWriter(w io.Writer, level, format string) {
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns the default logger tagged with a component name.
// Call it at use time, not at package init, so Setup has taken effect.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
