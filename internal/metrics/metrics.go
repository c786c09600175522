package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "booksearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SourceRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "source_requests_total",
		Help:      "Total requests to catalog sources by source name and result status.",
	}, []string{"source", "status"})

	SourceRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "booksearch",
		Name:      "source_request_duration_seconds",
		Help:      "Catalog source request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"source"})

	SourceAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "booksearch",
		Name:      "source_available",
		Help:      "Whether a source is available (1) or blocked by circuit breaker (0).",
	}, []string{"source"})

	SearchShortCircuitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "search_short_circuits_total",
		Help:      "Aggregation passes stopped early because the primary source was sufficient.",
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "cache_hits_total",
		Help:      "Total number of search cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "cache_misses_total",
		Help:      "Total number of search cache misses.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "cache_evictions_total",
		Help:      "Cache entries removed by TTL expiry, trimming or invalidation.",
	})

	CacheRehydrationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "cache_rehydration_failures_total",
		Help:      "Cached snapshots whose identifier no longer resolved in the store on a hit.",
	})

	// CacheStaleReferenceErrorsTotal must stay zero: snapshots are detached
	// copies, so no deleted-row reference can ever reach a caller. A non-zero
	// value means the snapshot isolation is broken.
	CacheStaleReferenceErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "booksearch",
		Name:      "cache_stale_reference_errors_total",
		Help:      "Resolved records that disagreed with their snapshot identifier. Expected to remain zero.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SourceRequestsTotal,
		SourceRequestDuration,
		SourceAvailable,
		SearchShortCircuitsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheRehydrationFailuresTotal,
		CacheStaleReferenceErrorsTotal,
	)
}
