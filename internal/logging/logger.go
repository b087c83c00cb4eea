// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the service logger writing to stdout.
// env=prod selects JSON output; anything else selects text with source
// locations. level is one of debug/info/warn/error and defaults to info.
func NewLogger(env, level string) *slog.Logger {
	return New(os.Stdout, env, level)
}

// New builds the same logger on an arbitrary writer.
func New(w io.Writer, env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	opts.AddSource = true
	return slog.New(slog.NewTextHandler(w, opts))
}

// Component tags every record with the emitting subsystem.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func parseLevel(raw string) slog.Level {
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
