package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks fresh cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_cache_hits_total",
			Help: "Total number of fresh cache hits",
		},
		[]string{"layer"}, // "store"
	)

	// CacheMisses tracks cache misses, including expired entries
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricd_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// CacheStaleHits tracks expired entries served by the failover path
	CacheStaleHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricd_cache_stale_hits_total",
			Help: "Total number of stale entries read as a last resort",
		},
	)

	// CacheEvictions tracks capacity evictions of the in-memory backend
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricd_cache_evictions_total",
			Help: "Total number of entries evicted by the memory backend size bound",
		},
	)

	// CacheInvalidations tracks explicitly deleted entries by reason
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_cache_invalidations_total",
			Help: "Total number of entries removed by invalidation",
		},
		[]string{"reason"}, // "pattern", "older_than", "class"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"},
	)

	// CacheAvailable is 1 while the backend answers, 0 during an outage
	CacheAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metricd_cache_available",
			Help: "Whether the cache backend is reachable (1) or not (0)",
		},
	)
)
