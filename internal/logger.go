package internal

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// ServiceName tags every log line so aggregated logs from the server and
// the CLI can be told apart from other services.
const ServiceName = "billrun"

// NewLogger builds the process logger: JSON in prod, text elsewhere.
// Unknown levels fall back to info.
func NewLogger(w io.Writer, env string, level string) *slog.Logger {
	var h slog.Handler

	l := new(slog.LevelVar)
	if lvl, ok := parseLevel(level); ok {
		l.Set(lvl)
	} else {
		slog.Default().Warn("Invalid log level. Using default level: info", slog.String("value", level))
	}

	switch env {
	case "prod":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: l,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String("time", a.Value.Time().UTC().Format(time.RFC3339Nano))
				}
				return a
			},
		})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})
	}

	return slog.New(h).With(slog.String("service", ServiceName), slog.String("env", env))
}

func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
