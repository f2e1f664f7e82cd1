// Package quota tracks per-provider call budgets and call spacing.
//
// Every provider has an independent daily budget that resets at a fixed UTC
// hour and a minimum interval between calls. Both checks and the consumption
// of a unit happen under the provider's own mutex, so two concurrent callers
// can never both take the last unit. There is no lock across providers.
package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
	"github.com/hive-corporation/watchtower-enrich/internal/metrics"
)

// Limit describes a provider's documented free-tier limits.
type Limit struct {
	// DailyLimit <= 0 means no daily cap.
	DailyLimit  int
	MinInterval time.Duration
}

// QuotaState is a point-in-time view of one provider's budget.
type QuotaState struct {
	Provider       string        `json:"provider"`
	RemainingCalls int           `json:"remaining_calls"`
	DailyLimit     int           `json:"daily_limit"`
	WindowResetAt  time.Time     `json:"window_reset_at"`
	MinInterval    time.Duration `json:"min_interval"`
	NextAllowedAt  time.Time     `json:"next_allowed_at"`
	UsedCalls      int           `json:"used_calls"`
}

type providerQuota struct {
	mu           sync.Mutex
	name         string
	limit        Limit
	remaining    int
	used         int
	windowStart  time.Time
	windowReset  time.Time
	limiter      *rate.Limiter
	blockedUntil time.Time
}

type Tracker struct {
	clock     Clock
	resetHour int
	store     ports.QuotaStore
	logger    *zap.SugaredLogger
	providers map[string]*providerQuota
}

type Option func(*Tracker)

func WithClock(c Clock) Option { return func(t *Tracker) { t.clock = c } }

// WithResetHour sets the UTC hour at which daily budgets reset.
func WithResetHour(h int) Option { return func(t *Tracker) { t.resetHour = h } }

// WithStore persists usage so that restarts do not refund spent budget.
func WithStore(s ports.QuotaStore) Option { return func(t *Tracker) { t.store = s } }

func WithLogger(l *zap.SugaredLogger) Option { return func(t *Tracker) { t.logger = l } }

// NewTracker builds a tracker for a fixed set of providers. Providers not
// listed here are always denied.
func NewTracker(limits map[string]Limit, opts ...Option) *Tracker {
	t := &Tracker{
		clock:     RealClock(),
		providers: make(map[string]*providerQuota, len(limits)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop().Sugar()
	}
	if t.resetHour < 0 || t.resetHour > 23 {
		t.resetHour = 0
	}

	now := t.clock.Now()
	for name, l := range limits {
		q := &providerQuota{name: name, limit: l, remaining: l.DailyLimit}
		if l.MinInterval > 0 {
			q.limiter = rate.NewLimiter(rate.Every(l.MinInterval), 1)
		}
		q.windowStart, q.windowReset = t.window(now)
		t.providers[name] = q
		metrics.SetQuotaRemaining(name, q.remaining)
	}
	return t
}

// TryAcquire consumes one call unit for provider if the daily budget and the
// spacing window both allow it. A denied call has no side effect.
func (t *Tracker) TryAcquire(provider string) bool {
	q, ok := t.providers[provider]
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.tryAcquireLocked(q, t.clock.Now())
}

// Acquire waits until a unit can be consumed. It fails immediately with
// domain.ErrProviderRateLimited when the daily budget is exhausted, and when
// the spacing wait would exceed maxWait.
func (t *Tracker) Acquire(ctx context.Context, provider string, maxWait time.Duration) error {
	q, ok := t.providers[provider]
	if !ok {
		return fmt.Errorf("%w: unknown provider %s", domain.ErrProviderRateLimited, provider)
	}
	deadline := t.clock.Now().Add(maxWait)

	for {
		q.mu.Lock()
		now := t.clock.Now()
		if t.tryAcquireLocked(q, now) {
			q.mu.Unlock()
			return nil
		}
		wait, exhausted := t.delayLocked(q, now)
		q.mu.Unlock()

		if exhausted {
			return fmt.Errorf("%w: %s daily quota exhausted", domain.ErrProviderRateLimited, provider)
		}
		if now.Add(wait).After(deadline) {
			return fmt.Errorf("%w: %s next slot in %s", domain.ErrProviderRateLimited, provider, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(wait):
		}
	}
}

// RecordUsage confirms that a call acquired through TryAcquire or Acquire was
// actually sent to the provider.
func (t *Tracker) RecordUsage(ctx context.Context, provider string) {
	q, ok := t.providers[provider]
	if !ok {
		return
	}
	q.mu.Lock()
	q.used++
	remaining := q.remaining
	windowStart, windowReset := q.windowStart, q.windowReset
	q.mu.Unlock()

	metrics.SetQuotaRemaining(provider, remaining)

	if t.store != nil {
		if err := t.store.Incr(ctx, provider, windowStart, windowReset); err != nil {
			t.logger.Warnw("failed to persist quota usage", "provider", provider, "error", err)
		}
	}
}

// Defer blocks calls to provider for d, used when the provider itself
// signals rate limiting.
func (t *Tracker) Defer(provider string, d time.Duration) {
	q, ok := t.providers[provider]
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	until := t.clock.Now().Add(d)
	if until.After(q.blockedUntil) {
		q.blockedUntil = until
	}
}

// Restore loads usage of the current window from the store.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	for name, q := range t.providers {
		q.mu.Lock()
		t.rollLocked(q, t.clock.Now())
		windowStart := q.windowStart
		q.mu.Unlock()

		used, err := t.store.Used(ctx, name, windowStart)
		if err != nil {
			return fmt.Errorf("restore quota for %s: %w", name, err)
		}

		q.mu.Lock()
		if q.windowStart.Equal(windowStart) {
			q.used = used
			if q.limit.DailyLimit > 0 {
				q.remaining = max(0, q.limit.DailyLimit-used)
			}
		}
		remaining := q.remaining
		q.mu.Unlock()

		metrics.SetQuotaRemaining(name, remaining)
		t.logger.Debugw("quota restored", "provider", name, "used", used, "remaining", remaining)
	}
	return nil
}

// Snapshot returns the current state of one provider.
func (t *Tracker) Snapshot(provider string) (QuotaState, bool) {
	q, ok := t.providers[provider]
	if !ok {
		return QuotaState{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := t.clock.Now()
	t.rollLocked(q, now)

	st := QuotaState{
		Provider:       provider,
		RemainingCalls: q.remaining,
		DailyLimit:     q.limit.DailyLimit,
		WindowResetAt:  q.windowReset,
		MinInterval:    q.limit.MinInterval,
		UsedCalls:      q.used,
		NextAllowedAt:  now,
	}
	if q.limit.DailyLimit <= 0 {
		st.RemainingCalls = -1
	}
	if wait, exhausted := t.delayLocked(q, now); exhausted {
		st.NextAllowedAt = q.windowReset
	} else {
		st.NextAllowedAt = now.Add(wait)
	}
	return st, true
}

// Snapshots returns the state of every provider, sorted by name.
func (t *Tracker) Snapshots() []QuotaState {
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]QuotaState, 0, len(names))
	for _, name := range names {
		st, _ := t.Snapshot(name)
		out = append(out, st)
	}
	return out
}

func (t *Tracker) tryAcquireLocked(q *providerQuota, now time.Time) bool {
	t.rollLocked(q, now)

	if q.limit.DailyLimit > 0 && q.remaining <= 0 {
		return false
	}
	if now.Before(q.blockedUntil) {
		return false
	}
	if q.limiter != nil && !q.limiter.AllowN(now, 1) {
		return false
	}
	if q.limit.DailyLimit > 0 {
		q.remaining--
	}
	return true
}

// delayLocked reports how long until the next unit could be acquired.
func (t *Tracker) delayLocked(q *providerQuota, now time.Time) (time.Duration, bool) {
	if q.limit.DailyLimit > 0 && q.remaining <= 0 {
		return 0, true
	}
	var wait time.Duration
	if now.Before(q.blockedUntil) {
		wait = q.blockedUntil.Sub(now)
	}
	if q.limiter != nil {
		if tokens := q.limiter.TokensAt(now); tokens < 1 {
			spacing := time.Duration((1 - tokens) * float64(q.limit.MinInterval))
			if spacing <= 0 {
				spacing = time.Millisecond
			}
			wait = max(wait, spacing)
		}
	}
	return wait, false
}

func (t *Tracker) rollLocked(q *providerQuota, now time.Time) {
	if now.Before(q.windowReset) {
		return
	}
	q.windowStart, q.windowReset = t.window(now)
	q.remaining = q.limit.DailyLimit
	q.used = 0
	t.logger.Infow("quota window reset", "provider", q.name, "daily_limit", q.limit.DailyLimit, "next_reset", q.windowReset)
}

// window returns the daily window containing now.
func (t *Tracker) window(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), t.resetHour, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.Add(-24 * time.Hour)
	}
	return start, start.Add(24 * time.Hour)
}
