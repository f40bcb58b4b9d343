package blocklist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultHTTPTimeout = 20 * time.Second

// Import loads a site list from a local path or an http(s) URL.
func Import(ctx context.Context, location string, log *slog.Logger, errorLimit int) (*HostSet, ParseStats, error) {
	if log == nil {
		log = slog.Default()
	}
	data, err := readLocation(ctx, location)
	if err != nil {
		return nil, ParseStats{}, err
	}
	return parseList(bytes.NewReader(data), parseOptions{
		ListID:     location,
		Logger:     log,
		ErrorLimit: errorLimit,
	})
}

func readLocation(ctx context.Context, location string) ([]byte, error) {
	if isURL(location) {
		return download(ctx, location)
	}
	data, err := os.ReadFile(location) // #nosec G304 -- path is provided by the operator.
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func download(ctx context.Context, location string) ([]byte, error) {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Default().Warn("failed to close site list response body", "error", err)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func isURL(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}
