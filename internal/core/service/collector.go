package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
	"github.com/hive-corporation/watchtower-enrich/internal/metrics"
)

// FeedFailure records a feed that could not be fetched for a run.
type FeedFailure struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
	Error  string `json:"error"`
}

// CollectResult is the combined output of every configured feed.
type CollectResult struct {
	// Indicators are canonical and unique by value, in feed order.
	Indicators []domain.RawIndicator
	// Fetched counts raw entries returned by feeds, before merging.
	Fetched   int
	Malformed int
	Failures  []FeedFailure
}

// Collector fetches every feed concurrently. A slow or broken feed never
// blocks or fails the others.
type Collector struct {
	feeds        []ports.FeedSource
	fetchTimeout time.Duration
	logger       *zap.SugaredLogger
}

func NewCollector(feeds []ports.FeedSource, fetchTimeout time.Duration, logger *zap.SugaredLogger) *Collector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Collector{feeds: feeds, fetchTimeout: fetchTimeout, logger: logger}
}

type feedOutcome struct {
	batch ports.FeedBatch
	err   error
}

func (c *Collector) Collect(ctx context.Context, limit int) CollectResult {
	outcomes := make([]feedOutcome, len(c.feeds))

	var g errgroup.Group
	for i, feed := range c.feeds {
		g.Go(func() error {
			fctx := ctx
			if c.fetchTimeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
				defer cancel()
			}

			c.logger.Infow("📥 downloading feed", "feed", feed.Name())
			batch, err := feed.Fetch(fctx, limit)
			if err != nil && !errors.Is(err, domain.ErrFeedUnavailable) {
				err = fmt.Errorf("%w: %s: %v", domain.ErrFeedUnavailable, feed.Name(), err)
			}
			outcomes[i] = feedOutcome{batch: batch, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var res CollectResult
	m := newMerger()

	for i, out := range outcomes {
		name := c.feeds[i].Name()
		if out.err != nil {
			c.logger.Errorw("❌ failed to download feed", "feed", name, "error", out.err)
			metrics.RecordFeedFailure(name)
			res.Failures = append(res.Failures, FeedFailure{Source: name, Err: out.err, Error: out.err.Error()})
			continue
		}

		res.Fetched += len(out.batch.Indicators)
		malformed := out.batch.Malformed
		for _, raw := range out.batch.Indicators {
			canon, err := domain.Canonicalize(raw)
			if err != nil {
				malformed++
				c.logger.Debugw("skipping malformed indicator", "feed", name, "error", err)
				continue
			}
			m.add(canon)
		}
		res.Malformed += malformed
		c.logger.Infow("✅ feed downloaded", "feed", name, "indicators", len(out.batch.Indicators), "malformed", malformed)
	}

	res.Indicators = m.result()
	metrics.RecordStage("fetched", res.Fetched)
	metrics.RecordStage("malformed", res.Malformed)
	return res
}

// merger folds indicators reported by several feeds into one, so each feed's
// attributes count as corroboration.
type merger struct {
	mu    sync.Mutex
	index map[string]int
	items []domain.RawIndicator
}

func newMerger() *merger {
	return &merger{index: make(map[string]int)}
}

func (m *merger) add(raw domain.RawIndicator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[raw.Value]
	if !ok {
		m.index[raw.Value] = len(m.items)
		m.items = append(m.items, raw)
		return
	}
	m.items[i] = mergeRaw(m.items[i], raw)
}

func (m *merger) result() []domain.RawIndicator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items
}

func mergeRaw(dst, src domain.RawIndicator) domain.RawIndicator {
	fill := func(a *string, b string) {
		if *a == "" {
			*a = b
		}
	}
	fill(&dst.Description, src.Description)
	fill(&dst.ThreatType, src.ThreatType)
	fill(&dst.MalwareFamily, src.MalwareFamily)
	fill(&dst.ThreatActor, src.ThreatActor)
	fill(&dst.Context, src.Context)
	fill(&dst.URLStatus, src.URLStatus)
	fill(&dst.RelatedURL, src.RelatedURL)

	if !src.FirstSeen.IsZero() && (dst.FirstSeen.IsZero() || src.FirstSeen.Before(dst.FirstSeen)) {
		dst.FirstSeen = src.FirstSeen
	}

	seen := make(map[string]struct{}, len(dst.Tags))
	tags := append([]string(nil), dst.Tags...)
	for _, t := range tags {
		seen[t] = struct{}{}
	}
	for _, t := range src.Tags {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	dst.Tags = tags

	if len(src.Attributes) > 0 {
		attrs := make(map[string]map[string]any, len(dst.Attributes)+len(src.Attributes))
		for k, v := range dst.Attributes {
			attrs[k] = v
		}
		for k, v := range src.Attributes {
			if _, exists := attrs[k]; !exists {
				attrs[k] = v
			}
		}
		dst.Attributes = attrs
	}
	return dst
}
