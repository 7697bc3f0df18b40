package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return slog.LevelInfo, errors.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
	}
}

// setupLogger logs to stderr; stdout belongs to the operator console.
func setupLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
