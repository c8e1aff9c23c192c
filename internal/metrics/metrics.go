// Package metrics defines the Prometheus collectors exported by ClosedCSPM.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Catalog metrics
	catalogFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedcspm_catalog_fetches_total",
			Help: "Catalog load attempts by source and result",
		},
		[]string{"source", "result"},
	)

	catalogCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedcspm_catalog_cache_lookups_total",
			Help: "Catalog cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// Dispatcher metrics
	dispatchedFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedcspm_dispatched_findings_total",
			Help: "Findings produced by control checkers",
		},
		[]string{"family", "status"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedcspm_provider_calls_total",
			Help: "Resource provider calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Orchestrator metrics
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closedcspm_phase_duration_seconds",
			Help:    "Assessment phase duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"domain", "status"},
	)

	overallScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "closedcspm_assessment_overall_score",
			Help: "Overall score of the most recent assessment",
		},
	)

	evidenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedcspm_evidence_writes_total",
			Help: "Evidence store writes by backend and result",
		},
		[]string{"backend", "result"},
	)
)

// RecordCatalogFetch records a catalog load from source ("remote", "fallback").
func RecordCatalogFetch(source string, ok bool) {
	catalogFetches.WithLabelValues(source, result(ok)).Inc()
}

// RecordCacheLookup records a cache "hit", "miss" or "stale" lookup.
func RecordCacheLookup(outcome string) {
	catalogCache.WithLabelValues(outcome).Inc()
}

// RecordFinding records a finding emitted by a checker.
func RecordFinding(family, status string) {
	dispatchedFindings.WithLabelValues(family, status).Inc()
}

// RecordProviderCall records a resource provider call.
func RecordProviderCall(operation string, ok bool) {
	providerCalls.WithLabelValues(operation, result(ok)).Inc()
}

// RecordPhase records a finished assessment phase.
func RecordPhase(domain, status string, d time.Duration) {
	phaseDuration.WithLabelValues(domain, status).Observe(d.Seconds())
}

// SetOverallScore publishes the latest overall score.
func SetOverallScore(score float64) {
	overallScore.Set(score)
}

// RecordEvidenceWrite records an evidence store write.
func RecordEvidenceWrite(backend string, ok bool) {
	evidenceWrites.WithLabelValues(backend, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
