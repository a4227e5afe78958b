// Package dglog provides the kernel's structured logging setup: a thin
// wrapper over log/slog configured from dgconfig.Config.
//
// A Config{Level, Format, Output} struct picks between slog's JSON and
// text handlers, wrapped in a Logger that embeds *slog.Logger.
package dglog

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level, format, and destination a Logger writes to.
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output string // "stdout", "stderr", or a file path
}

// Logger embeds *slog.Logger so callers use it exactly like the
// standard library logger, with the kernel's fixed handler setup
// already applied.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	var output *os.File
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// LevelFromString parses "debug"/"info"/"warn"/"error" into a
// slog.Level, defaulting to Info on an unrecognized value.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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
