package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
	"github.com/hive-corporation/watchtower-enrich/internal/metrics"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("ingestion run already in progress")

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	// RunPartial means some records could not be checked or persisted.
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Summary is the per-run ingestion report.
type Summary struct {
	Status           RunStatus      `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Fetched          int            `json:"fetched"`
	Malformed        int            `json:"malformed"`
	Unique           int            `json:"unique"`
	Skipped          int            `json:"deduplicated_skipped"`
	Refreshed        int            `json:"refreshed"`
	Enriched         int            `json:"enriched"`
	EnrichmentFailed int            `json:"enrichment_failed"`
	GateErrors       int            `json:"gate_errors"`
	NotAdmitted      int            `json:"not_admitted"`
	Persisted        int            `json:"persisted"`
	PersistFailed    int            `json:"persist_failed"`
	Published        int            `json:"published"`
	Severity         map[string]int `json:"severity"`
	FeedFailures     []FeedFailure  `json:"feed_failures"`
	Error            string         `json:"error,omitempty"`
}

type PipelineConfig struct {
	FeedLimit        int
	Workers          int
	BatchSize        int
	FlushInterval    time.Duration
	IndicatorTimeout time.Duration
	PingTimeout      time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FeedLimit:        100,
		Workers:          8,
		BatchSize:        200,
		FlushInterval:    5 * time.Second,
		IndicatorTimeout: 2 * time.Minute,
		PingTimeout:      5 * time.Second,
	}
}

// Pipeline runs collect, dedup, enrich, score and persist for one batch.
type Pipeline struct {
	collector *Collector
	gate      *Gate
	enricher  *Enricher
	store     ports.IndicatorStore
	publisher ports.RecordPublisher
	cfg       PipelineConfig
	now       func() time.Time
	logger    *zap.SugaredLogger

	runMu  sync.Mutex
	lastMu sync.RWMutex
	last   *Summary
}

type PipelineOption func(*Pipeline)

func WithPublisher(p ports.RecordPublisher) PipelineOption {
	return func(pl *Pipeline) { pl.publisher = p }
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(pl *Pipeline) { pl.now = now }
}

func WithPipelineLogger(l *zap.SugaredLogger) PipelineOption {
	return func(pl *Pipeline) { pl.logger = l }
}

func NewPipeline(collector *Collector, gate *Gate, enricher *Enricher, store ports.IndicatorStore, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	p := &Pipeline{
		collector: collector,
		gate:      gate,
		enricher:  enricher,
		store:     store,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LastSummary returns the report of the most recent finished run.
func (p *Pipeline) LastSummary() (Summary, bool) {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	if p.last == nil {
		return Summary{}, false
	}
	return *p.last, true
}

type runCounters struct {
	skipped, refreshed, enriched, failed, gateErrors, notAdmitted atomic.Int64

	errMu   sync.Mutex
	gateErr error
}

func (c *runCounters) gateFailed(err error) {
	c.gateErrors.Add(1)
	c.errMu.Lock()
	c.gateErr = err
	c.errMu.Unlock()
}

// Run executes one ingestion batch. Cancelling ctx stops admission of new
// indicators; indicators already admitted finish on a detached context
// bounded by IndicatorTimeout. The run fails hard only when the sink is
// unreachable or every record it tried to check or write was lost.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	if !p.runMu.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer p.runMu.Unlock()

	timer := metrics.StartTimer()
	defer timer.ObserveDuration()

	summary := Summary{
		StartedAt: p.now(),
		Severity:  make(map[string]int),
	}

	if err := p.ping(ctx); err != nil {
		return p.finish(summary, RunFailed, err), err
	}

	p.logger.Info("🚀 threat intel ingestion started")
	collected := p.collector.Collect(ctx, p.cfg.FeedLimit)
	summary.Fetched = collected.Fetched
	summary.Malformed = collected.Malformed
	summary.Unique = len(collected.Indicators)
	summary.FeedFailures = collected.Failures

	records := make(chan *domain.IndicatorRecord, p.cfg.BatchSize)
	persistDone := make(chan persistResult, 1)
	go func() {
		persistDone <- p.persist(context.WithoutCancel(ctx), records)
	}()

	var counters runCounters
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for i, raw := range collected.Indicators {
		if ctx.Err() != nil {
			counters.notAdmitted.Add(int64(len(collected.Indicators) - i))
			break
		}
		g.Go(func() error {
			p.process(ctx, raw, records, &counters)
			return nil
		})
	}
	_ = g.Wait()
	close(records)
	persisted := <-persistDone

	summary.Skipped = int(counters.skipped.Load())
	summary.Refreshed = int(counters.refreshed.Load())
	summary.Enriched = int(counters.enriched.Load())
	summary.EnrichmentFailed = int(counters.failed.Load())
	summary.GateErrors = int(counters.gateErrors.Load())
	summary.NotAdmitted = int(counters.notAdmitted.Load())
	summary.Persisted = persisted.persisted
	summary.PersistFailed = persisted.failed
	summary.Published = persisted.published
	summary.Severity = persisted.severity

	metrics.RecordStage("skipped", summary.Skipped)
	metrics.RecordStage("enriched", summary.Enriched)
	metrics.RecordStage("enrichment_failed", summary.EnrichmentFailed)
	metrics.RecordStage("persisted", summary.Persisted)
	metrics.RecordStage("persist_failed", summary.PersistFailed)
	metrics.RecordStage("gate_errors", summary.GateErrors)

	// Indicators whose exists check failed never reach the sink, so they are
	// lost records just like failed writes.
	lost := summary.PersistFailed + summary.GateErrors
	checked := summary.Skipped + summary.Enriched + summary.EnrichmentFailed

	status := RunCompleted
	var runErr error
	switch {
	case lost > 0 && summary.Persisted == 0 && (summary.PersistFailed > 0 || checked == 0):
		lastErr := persisted.lastErr
		if lastErr == nil {
			lastErr = counters.gateErr
		}
		runErr = fmt.Errorf("%w: %d records lost (%d exists checks, %d writes failed): %v",
			domain.ErrSinkUnavailable, lost, summary.GateErrors, summary.PersistFailed, lastErr)
		status = RunFailed
	case ctx.Err() != nil:
		status = RunCancelled
	case lost > 0:
		status = RunPartial
	}

	summary = p.finish(summary, status, runErr)
	p.logger.Infow("🏁 threat intel ingestion finished",
		"status", summary.Status,
		"fetched", summary.Fetched,
		"skipped", summary.Skipped,
		"enriched", summary.Enriched,
		"enrichment_failed", summary.EnrichmentFailed,
		"persisted", summary.Persisted,
		"persist_failed", summary.PersistFailed,
		"severity", summary.Severity,
	)
	return summary, runErr
}

func (p *Pipeline) ping(ctx context.Context) error {
	pctx := ctx
	if p.cfg.PingTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.cfg.PingTimeout)
		defer cancel()
	}
	if err := p.store.Ping(pctx); err != nil {
		p.logger.Errorw("❌ persistence sink unreachable", "error", err)
		return fmt.Errorf("%w: %v", domain.ErrSinkUnavailable, err)
	}
	return nil
}

func (p *Pipeline) finish(s Summary, status RunStatus, err error) Summary {
	s.Status = status
	s.FinishedAt = p.now()
	if err != nil {
		s.Error = err.Error()
	}
	p.lastMu.Lock()
	p.last = &s
	p.lastMu.Unlock()
	return s
}

// process runs gate, enrichment and scoring for one admitted indicator.
func (p *Pipeline) process(ctx context.Context, raw domain.RawIndicator, out chan<- *domain.IndicatorRecord, c *runCounters) {
	wctx := context.WithoutCancel(ctx)
	if p.cfg.IndicatorTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, p.cfg.IndicatorTimeout)
		defer cancel()
	}

	decision, err := p.gate.Admit(wctx, raw)
	if err != nil {
		p.logger.Warnw("dedup check failed", "value", raw.Value, "error", err)
		c.gateFailed(err)
		return
	}
	if !decision.Admit {
		c.skipped.Add(1)
		return
	}

	now := p.now()
	rec := decision.Existing
	if rec != nil {
		rec.MergeRaw(raw)
		c.refreshed.Add(1)
	} else {
		rec = domain.NewIndicatorRecord(raw, now)
	}

	res := p.enricher.Enrich(wctx, rec)
	domain.ApplySeverity(rec, now)

	if res.Failed() {
		c.failed.Add(1)
	} else {
		c.enriched.Add(1)
	}

	out <- rec
}

type persistResult struct {
	persisted int
	failed    int
	published int
	severity  map[string]int
	lastErr   error
}

// persist batches records and writes them with UpsertMany, falling back to
// single upserts when a batch is rejected.
func (p *Pipeline) persist(ctx context.Context, records <-chan *domain.IndicatorRecord) persistResult {
	res := persistResult{severity: make(map[string]int)}
	var batch []*domain.IndicatorRecord

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func(reason string) {
		if len(batch) == 0 {
			return
		}
		saved := p.writeBatch(ctx, batch, &res)
		if len(saved) > 0 {
			p.logger.Infow("📦 batch saved", "reason", reason, "items", len(saved), "total", res.persisted)
			p.publish(ctx, saved, &res)
		}
		batch = nil
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				flush("final")
				return res
			}
			batch = append(batch, rec)
			if len(batch) >= p.cfg.BatchSize {
				flush("size")
			}
		case <-ticker.C:
			flush("time")
		}
	}
}

func (p *Pipeline) writeBatch(ctx context.Context, batch []*domain.IndicatorRecord, res *persistResult) []*domain.IndicatorRecord {
	err := p.store.UpsertMany(ctx, batch)
	if err == nil {
		for _, rec := range batch {
			p.saved(rec, res)
		}
		return batch
	}

	p.logger.Warnw("❌ error saving batch, retrying records one by one", "items", len(batch), "error", err)
	saved := make([]*domain.IndicatorRecord, 0, len(batch))
	for _, rec := range batch {
		if err := p.store.Upsert(ctx, rec); err != nil {
			res.failed++
			res.lastErr = err
			p.logger.Errorw("failed to persist record", "value", rec.Value, "error", err)
			continue
		}
		p.saved(rec, res)
		saved = append(saved, rec)
	}
	return saved
}

func (p *Pipeline) saved(rec *domain.IndicatorRecord, res *persistResult) {
	res.persisted++
	res.severity[string(rec.Severity)]++
	metrics.RecordSeverity(string(rec.Severity))
	p.gate.MarkPersisted(rec.Value)
}

func (p *Pipeline) publish(ctx context.Context, recs []*domain.IndicatorRecord, res *persistResult) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, recs); err != nil {
		p.logger.Warnw("failed to publish records", "items", len(recs), "error", err)
		return
	}
	res.published += len(recs)
}
