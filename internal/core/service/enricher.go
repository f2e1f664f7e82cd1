package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
	"github.com/hive-corporation/watchtower-enrich/internal/metrics"
)

// Role is the kind of evidence a provider contributes.
type Role int

const (
	// RoleDetection: multi-engine detection rate and reputation score.
	RoleDetection Role = iota
	// RoleConfidence: abuse confidence of an ip address.
	RoleConfidence
	// RoleURLStatus: whether a malware URL is still online.
	RoleURLStatus
)

func (r Role) String() string {
	switch r {
	case RoleDetection:
		return "detection"
	case RoleConfidence:
		return "confidence"
	case RoleURLStatus:
		return "url_status"
	}
	return "unknown"
}

// strategy lists the provider roles consulted for one indicator type.
type strategy interface {
	roles() []Role
}

type (
	ipStrategy      struct{}
	hashStrategy    struct{}
	domainStrategy  struct{}
	urlStrategy     struct{}
	passiveStrategy struct{}
)

func (ipStrategy) roles() []Role      { return []Role{RoleConfidence, RoleDetection} }
func (hashStrategy) roles() []Role    { return []Role{RoleDetection} }
func (domainStrategy) roles() []Role  { return []Role{RoleDetection} }
func (urlStrategy) roles() []Role     { return []Role{RoleURLStatus, RoleDetection} }
func (passiveStrategy) roles() []Role { return nil }

func strategyFor(t domain.IOCType) strategy {
	switch t {
	case domain.IPv4:
		return ipStrategy{}
	case domain.MD5, domain.SHA1, domain.SHA256:
		return hashStrategy{}
	case domain.Domain:
		return domainStrategy{}
	case domain.URL:
		return urlStrategy{}
	case domain.CVE, domain.Email:
		return passiveStrategy{}
	}
	return passiveStrategy{}
}

// QuotaGate is the part of the quota tracker the enricher needs.
type QuotaGate interface {
	Acquire(ctx context.Context, provider string, maxWait time.Duration) error
	RecordUsage(ctx context.Context, provider string)
	Defer(provider string, d time.Duration)
}

// retryAfterer is implemented by rate limit errors that carry a provider hint.
type retryAfterer interface {
	error
	RetryAfterHint() time.Duration
}

type EnricherConfig struct {
	// ProviderMaxWait bounds how long a call waits for its spacing slot.
	ProviderMaxWait time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RateLimitCooldown blocks a provider after a 429 without Retry-After.
	RateLimitCooldown time.Duration
}

func DefaultEnricherConfig() EnricherConfig {
	return EnricherConfig{
		ProviderMaxWait:   30 * time.Second,
		MaxRetries:        2,
		InitialInterval:   500 * time.Millisecond,
		MaxInterval:       5 * time.Second,
		RateLimitCooldown: time.Minute,
	}
}

// EnrichResult reports how the providers of one indicator answered.
type EnrichResult struct {
	Succeeded []string
	NotFound  []string
	Degraded  []string
}

// Failed reports whether any provider could not deliver an answer.
func (r EnrichResult) Failed() bool { return len(r.Degraded) > 0 }

type Enricher struct {
	providers map[Role]ports.ReputationProvider
	quota     QuotaGate
	cfg       EnricherConfig
	now       func() time.Time
	logger    *zap.SugaredLogger
}

func NewEnricher(providers map[Role]ports.ReputationProvider, quota QuotaGate, cfg EnricherConfig, logger *zap.SugaredLogger) *Enricher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Enricher{
		providers: providers,
		quota:     quota,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithClock replaces the enrichment timestamp source.
func (e *Enricher) WithClock(now func() time.Time) *Enricher {
	e.now = now
	return e
}

type callResult struct {
	provider string
	evidence *ports.Evidence
	err      error
}

// Enrich queries every provider of the record's strategy concurrently and
// merges the answers. A provider that fails leaves its fields and its
// sources key untouched.
func (e *Enricher) Enrich(ctx context.Context, rec *domain.IndicatorRecord) EnrichResult {
	roles := strategyFor(rec.Type).roles()

	results := make([]callResult, len(roles))
	var g errgroup.Group
	for i, role := range roles {
		p, ok := e.providers[role]
		if !ok || p == nil {
			continue
		}
		g.Go(func() error {
			ev, err := e.call(ctx, p, rec.Value, rec.Type)
			results[i] = callResult{provider: p.Name(), evidence: ev, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var out EnrichResult
	for _, r := range results {
		if r.provider == "" {
			continue
		}
		switch {
		case r.err == nil:
			applyEvidence(rec, r.provider, r.evidence)
			out.Succeeded = append(out.Succeeded, r.provider)
		case errors.Is(r.err, domain.ErrProviderNotFound):
			out.NotFound = append(out.NotFound, r.provider)
		default:
			e.logger.Warnw("provider lookup failed", "provider", r.provider, "value", rec.Value, "error", r.err)
			out.Degraded = append(out.Degraded, r.provider)
		}
	}

	now := e.now()
	rec.LastUpdated = now
	rec.EnrichmentTimestamp = now
	if out.Failed() {
		rec.EnrichmentStatus = domain.EnrichmentDegraded
	} else {
		rec.EnrichmentStatus = domain.EnrichmentCompleted
	}
	return out
}

// call performs one provider lookup. Each attempt goes through the quota
// gate; only transient provider errors are retried.
func (e *Enricher) call(ctx context.Context, p ports.ReputationProvider, value string, t domain.IOCType) (*ports.Evidence, error) {
	name := p.Name()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = e.cfg.InitialInterval
	expBackoff.MaxInterval = e.cfg.MaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0

	retryBackoff := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(max(e.cfg.MaxRetries, 0))), ctx)

	var ev *ports.Evidence
	operation := func() error {
		if e.quota != nil {
			if err := e.quota.Acquire(ctx, name, e.cfg.ProviderMaxWait); err != nil {
				metrics.RecordProviderCall(name, "denied", 0)
				return backoff.Permanent(err)
			}
			e.quota.RecordUsage(ctx, name)
		}

		var err error
		ev, err = p.Lookup(ctx, value, t)
		switch {
		case err == nil:
			if ev == nil {
				ev = &ports.Evidence{}
			}
			return nil
		case errors.Is(err, domain.ErrProviderRateLimited):
			if e.quota != nil {
				cooldown := e.cfg.RateLimitCooldown
				var ra retryAfterer
				if errors.As(err, &ra) && ra.RetryAfterHint() > 0 {
					cooldown = ra.RetryAfterHint()
				}
				e.quota.Defer(name, cooldown)
			}
			return backoff.Permanent(err)
		case errors.Is(err, domain.ErrProviderError):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(operation, retryBackoff); err != nil {
		return nil, err
	}
	return ev, nil
}

func applyEvidence(rec *domain.IndicatorRecord, provider string, ev *ports.Evidence) {
	attrs := ev.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	rec.MergeSource(provider, attrs)

	if ev.DetectionRate != nil {
		rate := *ev.DetectionRate
		rec.ReputationDetectionRate = &rate
		rec.DetectionsText = ev.DetectionsText
	}
	if ev.ReputationScore != nil {
		score := *ev.ReputationScore
		rec.ReputationScore = &score
	}
	if ev.AbuseConfidence != nil && rec.Type == domain.IPv4 {
		conf := *ev.AbuseConfidence
		rec.AbuseConfidence = &conf
	}
	if ev.URLStatus != nil && rec.Type == domain.URL {
		st := *ev.URLStatus
		rec.URLStatus = &st
	}
	if rec.MalwareFamily == "" {
		rec.MalwareFamily = ev.MalwareFamily
	}
	if rec.ThreatType == "" {
		rec.ThreatType = ev.ThreatType
	}
	if len(ev.Tags) > 0 {
		rec.MergeRaw(domain.RawIndicator{Tags: ev.Tags})
	}
}
