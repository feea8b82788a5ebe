package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewJSONLogger is the API server's logger: JSON on stdout.
func NewJSONLogger(service, level string) *slog.Logger {
	return NewLogger(os.Stdout, service, level)
}

// NewLogger writes JSON records tagged with service to w. The CLI points it
// at stderr so that answers on stdout stay clean.
func NewLogger(w io.Writer, service, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewJSONHandler(w, opts)).With(slog.String("service", service))
}

// parseLevel accepts slog's names ("debug", "WARN", "error+2") plus
// "warning". Anything unrecognised is info.
func parseLevel(raw string) slog.Level {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
