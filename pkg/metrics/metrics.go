// Package metrics exposes Prometheus instruments for the ingest and query
// pipelines and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts ingestion attempts by terminal status.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docai_ingest_total",
		Help: "Number of file ingestions by terminal status.",
	}, []string{"status"})

	// IngestDuration observes end-to-end ingestion latency.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docai_ingest_duration_seconds",
		Help:    "End-to-end ingestion latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ChunksIndexed counts chunks written to the vector index.
	ChunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docai_chunks_indexed_total",
		Help: "Number of chunks embedded and indexed.",
	})

	// QueryTotal counts chat pipeline runs by outcome.
	QueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docai_query_total",
		Help: "Number of chat pipeline runs by outcome.",
	}, []string{"outcome"})

	// QueryPhaseDuration observes per-phase latency of the chat pipeline.
	QueryPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docai_query_phase_duration_seconds",
		Help:    "Latency of each chat pipeline phase.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"phase"})

	// TokensStreamed counts tokens forwarded to clients.
	TokensStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docai_tokens_streamed_total",
		Help: "Number of answer tokens streamed to clients.",
	})

	// ExpansionCacheHits counts query expansion cache hits and misses.
	ExpansionCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docai_expansion_cache_total",
		Help: "Query expansion cache lookups by result.",
	}, []string{"result"})

	// HTTPRequests counts API requests by method, path pattern and code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docai_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	// HTTPDuration observes API request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docai_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
