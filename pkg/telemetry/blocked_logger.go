package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

type blockedLogger struct {
	file *os.File
	mu   sync.Mutex
}

func newBlockedLogger(path string, log *slog.Logger) *blockedLogger {
	if path == "" {
		return nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path provided via config.
	if err != nil {
		log.Error("failed to open blocked log file", "error", err)
		return nil
	}
	return &blockedLogger{file: file}
}

func (b *blockedLogger) Log(at time.Time, site, client, via string) {
	if b == nil || b.file == nil {
		return
	}
	if client == "" {
		client = "-"
	}
	line := fmt.Sprintf("%s site=%s client=%s via=%s\n",
		at.UTC().Format(time.RFC3339),
		site,
		client,
		via,
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.file.WriteString(line)
}

func (b *blockedLogger) Close() error {
	if b == nil || b.file == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
