// Package metrics exposes Prometheus metrics for the discovery pipeline
// and the runtime classifier.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DiscoveryRunsTotal counts discovery pipeline runs.
	// Labels: result (success, degraded, error)
	DiscoveryRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "discovery",
			Name:      "runs_total",
			Help:      "Total number of discovery pipeline runs",
		},
		[]string{"result"},
	)

	// DiscoveryDuration tracks end-to-end discovery run time.
	DiscoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "noisegate",
			Subsystem: "discovery",
			Name:      "run_duration_seconds",
			Help:      "Duration of discovery pipeline runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// ClustersDiscovered counts clusters produced per run.
	ClustersDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "discovery",
			Name:      "clusters_total",
			Help:      "Total number of error clusters discovered",
		},
	)

	// SuggestionsCreated counts persisted suggestions by source.
	// Labels: source (oracle, import, manual)
	SuggestionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "lifecycle",
			Name:      "suggestions_created_total",
			Help:      "Total number of pattern suggestions created",
		},
		[]string{"source"},
	)

	// StatusTransitions counts lifecycle state changes.
	// Labels: to (shadow, approved, rejected, stale)
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "lifecycle",
			Name:      "status_transitions_total",
			Help:      "Total number of suggestion status transitions",
		},
		[]string{"to"},
	)

	// OracleRequests counts suggestion-oracle calls.
	// Labels: result (success, invalid, error)
	OracleRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Total number of suggestion oracle requests",
		},
		[]string{"result"},
	)

	// ClassificationsTotal counts hot-path classifications.
	// Labels: outcome (matched, unmatched)
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "classifier",
			Name:      "classifications_total",
			Help:      "Total number of classification requests",
		},
		[]string{"outcome"},
	)

	// ClassificationDuration tracks hot-path latency.
	ClassificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "noisegate",
			Subsystem: "classifier",
			Name:      "classification_duration_seconds",
			Help:      "Duration of classification requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	// ShadowMatchesTotal counts dual-track shadow evidence events.
	ShadowMatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "noisegate",
			Subsystem: "classifier",
			Name:      "shadow_matches_total",
			Help:      "Total number of shadow rule matches observed",
		},
	)

	// ApprovedRules tracks the size of the active rule set.
	ApprovedRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "noisegate",
			Subsystem: "lifecycle",
			Name:      "approved_rules",
			Help:      "Current number of approved classification rules",
		},
	)
)

// RecordDiscoveryRun records one pipeline run with its outcome.
func RecordDiscoveryRun(result string, took time.Duration) {
	DiscoveryRunsTotal.WithLabelValues(result).Inc()
	DiscoveryDuration.Observe(took.Seconds())
}

// RecordClassification records one hot-path classification.
func RecordClassification(matched bool, took time.Duration) {
	outcome := "unmatched"
	if matched {
		outcome = "matched"
	}
	ClassificationsTotal.WithLabelValues(outcome).Inc()
	ClassificationDuration.Observe(took.Seconds())
}

// RecordTransition records a lifecycle status change.
func RecordTransition(to string) {
	StatusTransitions.WithLabelValues(to).Inc()
}
