// Package metrics defines the application's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan lifecycle metrics
var (
	// ScansSubmitted tracks scan sessions created via the API
	ScansSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "siteguard",
			Name:      "scans_submitted_total",
			Help:      "Total number of scan sessions created",
		},
	)

	// ScansFinished tracks sessions reaching a terminal phase
	ScansFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "siteguard",
			Name:      "scans_finished_total",
			Help:      "Total number of scan sessions reaching a terminal phase",
		},
		[]string{"phase"},
	)

	// ScanSessionDuration tracks creation-to-terminal time
	ScanSessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "siteguard",
			Name:      "scan_session_duration_seconds",
			Help:      "Time from session creation to terminal phase in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"phase"},
	)

	// FindingsDiscovered tracks deduplicated findings by risk
	FindingsDiscovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "siteguard",
			Name:      "findings_discovered_total",
			Help:      "Total number of deduplicated findings by risk",
		},
		[]string{"risk"},
	)
)

// Scanner client metrics
var (
	// ScannerCalls tracks calls to the external scanner by endpoint and result
	ScannerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "siteguard",
			Name:      "scanner_calls_total",
			Help:      "Total calls to the external scanner API",
		},
		[]string{"endpoint", "result"},
	)

	// ScannerCallDuration tracks scanner call latency
	ScannerCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "siteguard",
			Name:      "scanner_call_duration_seconds",
			Help:      "External scanner call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)
)

// Enrichment metrics
var (
	// SummariesGenerated tracks plain-language summary generations
	SummariesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "siteguard",
			Name:      "summaries_generated_total",
			Help:      "Total plain-language summary generations by result",
		},
		[]string{"result"}, // "generated", "retried", "fallback"
	)
)
