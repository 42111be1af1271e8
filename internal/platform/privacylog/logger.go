package privacylog

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a sanitizing logger. format is "json" (default) or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}
	return slog.New(WrapHandler(base))
}

// Default returns a sanitizing JSON logger on stdout.
func Default() *slog.Logger {
	return New(os.Stdout, "info", "json")
}

// Ensure wraps logger with the sanitizer, falling back to Default for nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Default()
	}
	return slog.New(WrapHandler(logger.Handler()))
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
