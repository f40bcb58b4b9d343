// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a text logger at logLevel as the slog default. logFile is a
// path opened in append mode, or "stdout"/"" for standard output, in which
// case timestamps are left to the service manager. A log file that cannot be
// opened falls back to stderr.
func Setup(logLevel string, logFile string) *slog.Logger {
	handlerOptions := &slog.HandlerOptions{Level: ParseLevel(logLevel)}

	var logWriter io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(logFile)) {
	case "", "stdout":
		handlerOptions.ReplaceAttr = dropTime
	case "stderr":
		logWriter = os.Stderr
		handlerOptions.ReplaceAttr = dropTime
	default:
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path provided via config.
		if err != nil {
			logWriter = os.Stderr
			slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to open log file, using stderr", "file", logFile, "error", err)
		} else {
			logWriter = file
		}
	}

	logger := slog.New(slog.NewTextHandler(logWriter, handlerOptions))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level. Unknown names select info.
func ParseLevel(logLevel string) slog.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 && attr.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return attr
}
