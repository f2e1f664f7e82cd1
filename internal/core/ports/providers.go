package ports

import (
	"context"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

// Evidence is the normalized answer of a reputation provider. Nil pointers
// mean the provider did not report that field.
type Evidence struct {
	DetectionRate   *float64
	DetectionsText  string
	ReputationScore *int
	AbuseConfidence *int
	URLStatus       *domain.URLStatus
	MalwareFamily   string
	ThreatType      string
	Tags            []string
	// Attributes is stored verbatim under the provider's key in Sources.
	Attributes map[string]any
}

// ReputationProvider looks up a single indicator. Errors wrap one of
// domain.ErrProviderRateLimited, domain.ErrProviderNotFound,
// domain.ErrMalformedResponse or domain.ErrProviderError.
type ReputationProvider interface {
	Name() string
	Lookup(ctx context.Context, value string, iocType domain.IOCType) (*Evidence, error)
}
