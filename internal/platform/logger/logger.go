package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/m-mizutani/masq"
)

// New returns a structured logger with the given level and format.
// level: "debug", "info", "warn", "error" (default "info").
// format: "json" or "text" (default "json").
// Upstream credentials (Authorization headers, OAuth tokens, playback access
// signatures) are redacted from every record.
func New(level, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format))
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: masq.New(
			masq.WithFieldName("Authorization"),
			masq.WithFieldName("authorization"),
			masq.WithFieldName("sig"),
			masq.WithFieldName("token"),
			masq.WithContain("OAuth "),
		),
	}

	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
