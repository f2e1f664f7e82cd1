package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/metrics"
)

// maxBodyBytes caps provider responses; VirusTotal file reports are the largest.
const maxBodyBytes = 4 << 20

// ClientConfig holds the HTTP and circuit breaker settings shared by every
// reputation adapter.
type ClientConfig struct {
	Timeout              time.Duration
	EnableCircuitBreaker bool
	MaxFailures          uint32
	CircuitTimeout       time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:              15 * time.Second,
		EnableCircuitBreaker: true,
		MaxFailures:          5,
		CircuitTimeout:       30 * time.Second,
	}
}

// Client performs a single provider request and classifies the outcome into
// the domain error taxonomy. It never retries: every attempt has to pass the
// quota tracker, so retries belong to the caller.
type Client struct {
	provider string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.SugaredLogger
}

func NewClient(provider string, cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		provider: provider,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}

	if cfg.EnableCircuitBreaker {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        provider,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.CircuitTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			// Only transient failures count against the breaker; a 404 or a
			// 429 says nothing about the provider being down.
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, domain.ErrProviderError)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warnw("circuit breaker state change", "provider", name, "from", from.String(), "to", to.String())
				if to == gobreaker.StateOpen {
					metrics.RecordError(name, "circuit_open")
				}
			},
		})
	}
	return c
}

// RateLimitError carries the Retry-After hint of a 429 answer.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s (retry after %s)", e.Provider, domain.ErrProviderRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrProviderRateLimited }

// RetryAfterHint lets callers cool the provider down for as long as it asked.
func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

// DoJSON sends req and decodes a 2xx JSON body into out.
func (c *Client) DoJSON(req *http.Request, out any) error {
	start := time.Now()
	body, err := c.do(req)
	outcome := outcomeOf(err)
	if err == nil {
		if jerr := json.Unmarshal(body, out); jerr != nil {
			metrics.RecordError(c.provider, "parse")
			err = fmt.Errorf("%w: %s: %v", domain.ErrMalformedResponse, c.provider, jerr)
			outcome = "malformed"
		}
	}
	metrics.RecordProviderCall(c.provider, outcome, time.Since(start))
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.breaker == nil {
		return c.roundTrip(req)
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordError(c.provider, "circuit_open")
			return nil, fmt.Errorf("%w: %s circuit breaker is open", domain.ErrProviderError, c.provider)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		metrics.RecordError(c.provider, "connection")
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderError, c.provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordError(c.provider, "connection")
		return nil, fmt.Errorf("%w: %s: reading body: %v", domain.ErrProviderError, c.provider, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, c.provider)
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordError(c.provider, "rate_limit")
		return nil, &RateLimitError{Provider: c.provider, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RecordError(c.provider, "auth")
		return nil, fmt.Errorf("%s: HTTP %d: authentication rejected", c.provider, resp.StatusCode)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		metrics.RecordError(c.provider, "server_error")
		return nil, fmt.Errorf("%w: %s: HTTP %d", domain.ErrProviderError, c.provider, resp.StatusCode)
	default:
		metrics.RecordError(c.provider, "http_error")
		return nil, fmt.Errorf("%s: HTTP %d", c.provider, resp.StatusCode)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrProviderNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrProviderRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
