// Package telemetry provides structured logging setup and Prometheus metrics.
//
// All metrics register against the default Prometheus registry and are exposed by
// the API server on GET /metrics.
//
// Metric groups:
//   - HTTP request counters and latency histograms, labelled by route pattern
//   - LLM provider call outcomes and latency
//   - key selection outcomes
//   - generation session terminal states and generated files
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics. The path label holds the ServeMux pattern, never the raw URL.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// LLM provider metrics.
//
// outcome is one of: success, invalid_credential, api_error, network_error, malformed.
var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_provider_calls_total",
			Help: "Total number of LLM provider calls, by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_provider_call_duration_seconds",
			Help:    "Histogram of LLM provider call latencies, by provider.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	KeyValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_key_validations_total",
			Help: "Total number of provider key validation checks, by provider and result (valid, invalid, network_error).",
		},
		[]string{"provider", "result"},
	)
)

// Key selection metrics.
//
// outcome is one of: selected, none, throttled.
var KeySelectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "key_selections_total",
		Help: "Total number of key selection attempts, by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

// Generation metrics.
var (
	GenerationSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_sessions_total",
			Help: "Total number of generation sessions that reached a halting state, by status.",
		},
		[]string{"status"},
	)

	GenerationFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_files_total",
			Help: "Total number of files written by generation sessions.",
		},
	)

	ActiveGenerationTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_active_tasks",
			Help: "Number of generation background tasks currently running.",
		},
	)
)
