package acquire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_acquire_requests_total",
		Help: "Total number of acquire calls by result",
	}, []string{"result"}) // "cached", "fetched", "stale", "error", "timeout"

	acquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metricd_acquire_duration_seconds",
		Help:    "Acquire latency as seen by the caller",
		Buckets: prometheus.DefBuckets,
	})

	singleflightSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metricd_singleflight_shared_total",
		Help: "Total number of callers that joined an in-flight fetch",
	})

	failoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_failovers_total",
		Help: "Total number of times a fetch moved on to the next provider",
	}, []string{"metric"})

	staleFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_stale_fallbacks_total",
		Help: "Total number of stale values served after every provider failed",
	}, []string{"metric"})

	exhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_providers_exhausted_total",
		Help: "Total number of requests that failed with no provider and no stale value",
	}, []string{"metric"})

	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metricd_batch_size",
		Help:    "Number of items per provider batch call",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	}, []string{"provider"})
)
