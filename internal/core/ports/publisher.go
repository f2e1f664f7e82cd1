package ports

import (
	"context"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

// RecordPublisher forwards persisted records to downstream consumers
// (SIEM connectors, alerting). Publishing is best effort.
type RecordPublisher interface {
	Publish(ctx context.Context, recs []*domain.IndicatorRecord) error
	Close() error
}
