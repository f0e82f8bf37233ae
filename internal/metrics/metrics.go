// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsTotal counts relay calls by provider, strategy and outcome.
	// strategy: "native", "simulated" or "none" (rejected before dispatch).
	// outcome: "done", "error", "rejected", "disconnected".
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_streams_total",
			Help: "Relay calls by provider, strategy and outcome.",
		},
		[]string{"provider", "strategy", "outcome"},
	)

	// ActiveStreams tracks the number of in-flight SSE streams.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrelay_active_streams",
			Help: "Number of currently open SSE streams.",
		},
	)

	// ChunksTotal counts chunk events written to clients.
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_chunks_total",
			Help: "Chunk events written to clients.",
		},
		[]string{"provider", "strategy"},
	)

	// ParseDiscardsTotal counts upstream data lines dropped because their
	// payload was not valid JSON.
	ParseDiscardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_parse_discards_total",
			Help: "Upstream SSE data lines discarded as malformed JSON.",
		},
		[]string{"provider"},
	)

	// UpstreamErrorsTotal counts classified upstream failures.
	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_upstream_errors_total",
			Help: "Classified upstream failures by provider and kind.",
		},
		[]string{"provider", "kind"},
	)

	// UpstreamLatency tracks time to first byte (streaming) or to the full
	// response (single-shot) from upstream APIs.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrelay_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	// TokenUsageTotal tracks tokens reported by upstream usage records.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_token_usage_total",
			Help: "Tokens reported by upstream providers.",
		},
		[]string{"provider", "direction"}, // direction: "input" or "output"
	)

	// CatalogLookupsTotal counts LM Studio model catalogue lookups.
	// result: "hit", "fetched", "fallback".
	CatalogLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrelay_catalog_lookups_total",
			Help: "Model catalogue lookups by result.",
		},
		[]string{"provider", "result"},
	)
)

// RecordUsage adds upstream token counts. Zero values are skipped.
func RecordUsage(provider string, input, output int) {
	if input > 0 {
		TokenUsageTotal.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		TokenUsageTotal.WithLabelValues(provider, "output").Add(float64(output))
	}
}
