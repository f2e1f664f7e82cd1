package ports

import (
	"context"
	"time"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

// FeedBatch is one feed's contribution to a collection run.
type FeedBatch struct {
	Indicators []domain.RawIndicator
	// Malformed counts entries skipped while parsing the feed.
	Malformed int
}

// FeedSource pulls raw indicators from an external threat feed.
type FeedSource interface {
	Name() string
	Fetch(ctx context.Context, limit int) (FeedBatch, error)
}

// IndicatorStore is the persistence sink. Upserts are idempotent on Value
// and replace the full record.
type IndicatorStore interface {
	Ping(ctx context.Context) error
	Exists(ctx context.Context, value string) (bool, error)
	Upsert(ctx context.Context, rec *domain.IndicatorRecord) error
	UpsertMany(ctx context.Context, recs []*domain.IndicatorRecord) error
}

// IndicatorReader is implemented by stores that can return a persisted record.
// The deduplication gate needs it to refresh stale records.
type IndicatorReader interface {
	FindByValue(ctx context.Context, value string) (*domain.IndicatorRecord, error)
}

// QuotaStore persists provider call usage so a restart does not refund budget.
type QuotaStore interface {
	Used(ctx context.Context, provider string, windowStart time.Time) (int, error)
	Incr(ctx context.Context, provider string, windowStart, windowReset time.Time) error
}
