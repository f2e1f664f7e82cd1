package service

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

const defaultSeenCacheSize = 100_000

// Decision is the outcome of the deduplication gate for one indicator.
type Decision struct {
	Admit bool
	// Existing is set when a persisted record is admitted for refresh.
	Existing *domain.IndicatorRecord
}

// Gate decides whether an indicator needs enrichment. Values already in the
// store are skipped without any provider call. With RefreshAfter set and a
// store that can read records back, stale records are admitted again.
type Gate struct {
	store        ports.IndicatorStore
	reader       ports.IndicatorReader
	refreshAfter time.Duration
	seen         *lru.Cache[string, struct{}]
	now          func() time.Time
	logger       *zap.SugaredLogger
}

type GateOption func(*Gate)

// WithRefreshAfter opts into re-enriching records whose last enrichment is
// older than d. Zero keeps persisted records untouched.
func WithRefreshAfter(d time.Duration) GateOption { return func(g *Gate) { g.refreshAfter = d } }

func WithGateClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }

func WithSeenCacheSize(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.seen, _ = lru.New[string, struct{}](n)
		}
	}
}

func WithGateLogger(l *zap.SugaredLogger) GateOption { return func(g *Gate) { g.logger = l } }

func NewGate(store ports.IndicatorStore, opts ...GateOption) *Gate {
	seen, _ := lru.New[string, struct{}](defaultSeenCacheSize)
	g := &Gate{
		store:  store,
		seen:   seen,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop().Sugar(),
	}
	if r, ok := store.(ports.IndicatorReader); ok {
		g.reader = r
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RefreshEnabled reports whether stale records are re-enriched.
func (g *Gate) RefreshEnabled() bool {
	return g.refreshAfter > 0 && g.reader != nil
}

func (g *Gate) Admit(ctx context.Context, raw domain.RawIndicator) (Decision, error) {
	if !g.RefreshEnabled() && g.seen.Contains(raw.Value) {
		return Decision{}, nil
	}

	exists, err := g.store.Exists(ctx, raw.Value)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: exists check for %q: %v", domain.ErrPersistence, raw.Value, err)
	}
	if !exists {
		return Decision{Admit: true}, nil
	}
	if !g.RefreshEnabled() {
		g.seen.Add(raw.Value, struct{}{})
		return Decision{}, nil
	}

	rec, err := g.reader.FindByValue(ctx, raw.Value)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: loading %q: %v", domain.ErrPersistence, raw.Value, err)
	}
	if g.now().Sub(rec.EnrichmentTimestamp) < g.refreshAfter {
		return Decision{}, nil
	}
	g.logger.Debugw("refreshing stale record", "value", raw.Value, "enriched_at", rec.EnrichmentTimestamp)
	return Decision{Admit: true, Existing: rec}, nil
}

// MarkPersisted remembers a value that is now in the store.
func (g *Gate) MarkPersisted(value string) {
	g.seen.Add(value, struct{}{})
}
