// Package obslog builds the process-wide structured logger from a
// config.LoggingConfig. Every component receives a *slog.Logger scoped with
// its own "component" attribute rather than reaching for a global.
package obslog

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/arjunmehta/taskforge/pkg/config"
)

// New builds a *slog.Logger per cfg. Level and format drive a standard
// slog.Handler; File, when set, redirects output to a log file instead of
// stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("obslog: open log file: %w", err)
		}
		out = f
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("obslog: invalid log level %q", level)
	}
}

// Component scopes a logger with the emitting component's name, the
// convention every C1-C9 component follows when it logs.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}
