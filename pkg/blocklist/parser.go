package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
)

// ParseStats summarises import parsing results.
type ParseStats struct {
	TotalLines int
	Sites      int
	Invalid    int
}

type parseOptions struct {
	ListID     string
	Logger     *slog.Logger
	ErrorLimit int
}

type errorLimiter struct {
	limit int
	count int
}

// parseList reads hosts-file or plain domain-per-line input.
func parseList(r io.Reader, opts parseOptions) (*HostSet, ParseStats, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stats := ParseStats{}
	limiter := errorLimiter{limit: opts.ErrorLimit}
	set := NewHostSet()

	scanner := bufio.NewScanner(r)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		stats.TotalLines++
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" || isCommentLine(line) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		tokens := fields
		if ip := net.ParseIP(fields[0]); ip != nil {
			tokens = fields[1:]
		}

		for _, token := range tokens {
			if isCommentLine(token) {
				break
			}
			host, err := NormalizeHost(strings.TrimPrefix(token, "*."))
			if err != nil {
				stats.Invalid++
				limiter.log(logger, opts.ListID, lineNum, token, err)
				continue
			}
			set.Add(host)
			stats.Sites++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scan list: %w", err)
	}

	limiter.summary(logger, opts.ListID, stats.Invalid)
	logger.Info("parsed site list", "list", opts.ListID, "sites", stats.Sites, "invalid", stats.Invalid)
	return set, stats, nil
}

func (l *errorLimiter) log(logger *slog.Logger, listID string, lineNum int, token string, err error) {
	if l.limit == 0 {
		return
	}
	if l.limit > 0 && l.count >= l.limit {
		l.count++
		return
	}
	l.count++
	logger.Warn("invalid site list entry", "list", listID, "line", lineNum, "entry", token, "error", err)
}

func (l *errorLimiter) summary(logger *slog.Logger, listID string, invalid int) {
	if l.limit <= 0 {
		return
	}
	if invalid > l.limit {
		logger.Warn("site list parsing errors suppressed", "list", listID, "errors", invalid, "logged", l.limit)
	}
}

func isCommentLine(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") || strings.HasPrefix(line, ";")
}
