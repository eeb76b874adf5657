package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// logLevels enumerates the accepted -log-level values. Flag validation and
// handler construction share this table so they cannot drift apart.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func parseLogLevel(level string) (slog.Level, error) {
	l, ok := logLevels[strings.ToLower(level)]
	if !ok {
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}

func parseLogFormat(format string) error {
	switch strings.ToLower(format) {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
}

// setupLogger builds the process-wide logger. Inputs were validated with the
// flags, so parse failures here just fall back to the defaults. Every record
// carries the service identity so aggregated fleet logs stay attributable.
func setupLogger(level, format string) *slog.Logger {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		// Source locations are only worth the noise when debugging.
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
