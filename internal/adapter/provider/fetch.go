// Package provider contains the threat feed adapters. Every adapter turns an
// upstream feed into raw indicators and reports an unreachable feed as
// domain.ErrFeedUnavailable.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

const maxFeedBytes = 64 << 20

// NewHTTPClient returns the client shared by feed adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// fetch GETs url and returns the body of a 200 answer. Any other outcome is
// reported as the feed being unavailable for this run.
func fetch(ctx context.Context, client *http.Client, feed, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrFeedUnavailable, feed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", domain.ErrFeedUnavailable, feed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", domain.ErrFeedUnavailable, feed, err)
	}
	return body, nil
}

// parseTime accepts the timestamp layouts used by the supported feeds. A zero
// time with ok=false means the value was present but unparseable.
func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, true
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05 MST",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
