package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricsOnce ensures metrics are registered only once
	metricsOnce sync.Once

	// providerCallsTotal tracks reputation provider calls by provider and outcome
	providerCallsTotal *prometheus.CounterVec

	// providerCallDuration tracks latency of provider lookups
	providerCallDuration *prometheus.HistogramVec

	// providerErrorsTotal tracks HTTP-level errors by provider and type
	providerErrorsTotal *prometheus.CounterVec

	// quotaRemaining exposes the remaining daily budget per provider
	quotaRemaining *prometheus.GaugeVec

	// pipelineIndicatorsTotal counts indicators by pipeline stage
	pipelineIndicatorsTotal *prometheus.CounterVec

	// feedFailuresTotal counts feeds that could not be fetched
	feedFailuresTotal *prometheus.CounterVec

	// severityTotal tracks distribution of severity buckets
	severityTotal *prometheus.CounterVec

	// runDuration tracks the wall time of ingestion runs
	runDuration prometheus.Histogram
)

// InitMetrics registers all Prometheus metrics for the pipeline.
// This should be called once at application startup
func InitMetrics() {
	metricsOnce.Do(func() {
		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_provider_calls_total",
				Help: "Total number of reputation provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		)

		providerCallDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrich_provider_call_duration_seconds",
				Help:    "Duration of reputation provider lookups in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"provider"},
		)

		providerErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_provider_errors_total",
				Help: "Total number of provider API errors by error type",
			},
			[]string{"provider", "error_type"},
		)

		quotaRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enrich_quota_remaining_calls",
				Help: "Remaining daily call budget per provider",
			},
			[]string{"provider"},
		)

		pipelineIndicatorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_pipeline_indicators_total",
				Help: "Indicators processed by pipeline stage",
			},
			[]string{"stage"},
		)

		feedFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_feed_failures_total",
				Help: "Feeds that could not be fetched",
			},
			[]string{"feed"},
		)

		severityTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_severity_total",
				Help: "Distribution of scored severity buckets",
			},
			[]string{"severity"},
		)

		runDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enrich_run_duration_seconds",
				Help:    "Duration of ingestion runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)
	})
}

// RecordProviderCall records a provider call with its outcome
// outcome: "success", "not_found", "rate_limited", "error", "malformed", "denied"
func RecordProviderCall(provider, outcome string, duration time.Duration) {
	if providerCallsTotal != nil {
		providerCallsTotal.WithLabelValues(provider, outcome).Inc()
	}
	if providerCallDuration != nil && duration > 0 {
		providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordError records a provider API error by type
// errorType: "timeout", "auth", "rate_limit", "server_error", "connection", "parse", "circuit_open"
func RecordError(provider, errorType string) {
	if providerErrorsTotal != nil {
		providerErrorsTotal.WithLabelValues(provider, errorType).Inc()
	}
}

// SetQuotaRemaining updates the remaining budget gauge
func SetQuotaRemaining(provider string, remaining int) {
	if quotaRemaining != nil {
		quotaRemaining.WithLabelValues(provider).Set(float64(remaining))
	}
}

// RecordStage adds n indicators to a pipeline stage counter
// stage: "fetched", "malformed", "skipped", "enriched", "enrichment_failed", "persisted", "persist_failed"
func RecordStage(stage string, n int) {
	if pipelineIndicatorsTotal != nil && n > 0 {
		pipelineIndicatorsTotal.WithLabelValues(stage).Add(float64(n))
	}
}

func RecordFeedFailure(feed string) {
	if feedFailuresTotal != nil {
		feedFailuresTotal.WithLabelValues(feed).Inc()
	}
}

func RecordSeverity(severity string) {
	if severityTotal != nil {
		severityTotal.WithLabelValues(severity).Inc()
	}
}

// RunTimer is a helper for timing ingestion runs
type RunTimer struct {
	start time.Time
}

// StartTimer creates a new timer for measuring run duration
func StartTimer() *RunTimer {
	return &RunTimer{start: time.Now()}
}

// ObserveDuration records the elapsed time since the timer started
func (t *RunTimer) ObserveDuration() {
	if t != nil && runDuration != nil {
		runDuration.Observe(time.Since(t.start).Seconds())
	}
}
