// Package observability exposes Prometheus metrics for the ingestion and
// query pipelines. The collector owns a private registry, so constructing
// several collectors (tests, embedded use) never trips duplicate
// registration.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name unless the caller picks
// another.
const DefaultNamespace = "quarry"

// Ingestion outcome label values.
const (
	OutcomeAccepted   = "accepted"
	OutcomeSkipped    = "skipped"
	OutcomeSuperseded = "superseded"
	OutcomeRejected   = "rejected"
)

// Collector bundles the pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	DocumentsIngested *prometheus.CounterVec
	ChunksIndexed     prometheus.Counter
	IngestDuration    prometheus.Histogram

	EmbedLatency    *prometheus.HistogramVec
	SearchLatency   *prometheus.HistogramVec
	GenerateLatency *prometheus.HistogramVec
	GenerateTokens  *prometheus.CounterVec

	QueriesTotal *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// NewCollector creates and registers the pipeline metrics under the given
// namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		DocumentsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_ingested_total",
				Help:      "Documents processed by ingestion outcome",
			},
			[]string{"status"},
		),
		ChunksIndexed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_indexed_total",
				Help:      "Chunks written to the index",
			},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Wall time to ingest one document",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		EmbedLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "embed_latency_seconds",
				Help:      "Embedding backend latency per batch",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_latency_seconds",
				Help:      "Retrieval latency by search path",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"path"},
		),
		GenerateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generate_latency_seconds",
				Help:      "Generation backend latency",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		GenerateTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generate_tokens_total",
				Help:      "Tokens reported by the generation backend",
			},
			[]string{"provider", "kind"},
		),

		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Queries answered by terminal outcome",
			},
			[]string{"outcome"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Embedding cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Embedding cache misses",
			},
			[]string{"cache"},
		),
	}

	c.registry.MustRegister(
		c.DocumentsIngested,
		c.ChunksIndexed,
		c.IngestDuration,
		c.EmbedLatency,
		c.SearchLatency,
		c.GenerateLatency,
		c.GenerateTokens,
		c.QueriesTotal,
		c.CacheHits,
		c.CacheMisses,
	)
	return c
}

// Registry exposes the collector's registry for embedding into an existing
// metrics surface.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
