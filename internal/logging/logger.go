// Package logging wraps slog for structured logging. The service writes
// JSON to a rotated file under the data root; debug mode writes text to
// the console. The updater binary opens its own file with the same
// rotation settings since it outlives the agent process.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// NewConsole creates a Logger that writes human-readable text to stdout.
// Used by the debug CLI mode and the configure wizard.
func NewConsole(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// NewFile creates a Logger that writes JSON records to name inside dir,
// rotated by size and pruned by age. Rotated files carry a timestamp
// suffix, so the effective layout is one active file plus dated history.
func NewFile(dir, name string, level slog.Level) *Logger {
	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    20, // megabytes per file
		MaxAge:     30, // days
		MaxBackups: 14,
		Compress:   true,
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler), closer: sink}
}

// Close flushes and closes the underlying file sink, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Discard returns a Logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
