package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog logger on stdout tagged with the service name.
func New(level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit sink, for tests and tools that log to stderr.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", "worldgate")
}
