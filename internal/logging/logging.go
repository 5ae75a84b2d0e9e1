// Package logging builds the process logger: human-readable text on stderr
// at a user-selected level, fanned out to a JSON log file at debug level.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// DefaultLevel leaves the terminal to the styled display.
const DefaultLevel = slog.LevelWarn

var level = new(slog.LevelVar)

func init() {
	level.Set(DefaultLevel)
}

// ParseLevel accepts debug, info, warn or error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (supported: debug, info, warn, error)", s)
}

// SetLevel changes the terminal log level of every logger built by New.
func SetLevel(l slog.Level) { level.Set(l) }

// Level returns the current terminal log level.
func Level() slog.Level { return level.Level() }

// Options configures New.
type Options struct {
	Terminal io.Writer // Defaults to os.Stderr
	File     string    // JSON log path; empty disables the file
}

// Logger is a slog.Logger that owns the log file it writes to.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds a logger. A log file that cannot be opened is reported on the
// terminal handler and skipped.
func New(opts Options) *Logger {
	terminal := opts.Terminal
	if terminal == nil {
		terminal = os.Stderr
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(terminal, &slog.HandlerOptions{Level: level}),
	}

	l := &Logger{}
	if opts.File != "" {
		f, err := openLogFile(opts.File)
		if err != nil {
			slog.New(handlers[0]).Warn("log file disabled", "path", opts.File, "error", err)
		} else {
			l.file = f
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}

	l.Logger = slog.New(slogmulti.Fanout(handlers...))
	return l
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
