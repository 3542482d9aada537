// Package metrics exposes the Prometheus registry used by metricd.
// All metrics are defined in their respective packages (cache, registry,
// ratelimit, acquire, warmer) next to the code that updates them.
//
// This package provides the HTTP handler and a reference of the metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers into via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - metricd_cache_hits_total{layer} (Counter): Fresh cache hits
//   - metricd_cache_misses_total (Counter): Cache misses, expired entries included
//   - metricd_cache_stale_hits_total (Counter): Stale entries read after every provider failed
//   - metricd_cache_evictions_total (Counter): Entries evicted by the memory backend size bound
//   - metricd_cache_invalidations_total{reason} (Counter): Entries removed by pattern, age or class
//   - metricd_cache_errors_total{operation} (Counter): Backend errors by operation
//   - metricd_cache_available (Gauge): 1 while the backend is reachable
//
// Provider Metrics (pkg/registry):
//   - metricd_provider_requests_total{provider, outcome} (Counter): success, failure, throttled
//   - metricd_provider_request_duration_seconds{provider} (Histogram): Call latency
//   - metricd_provider_health_state{provider} (Gauge): 0 healthy, 1 degraded, 2 unavailable
//   - metricd_provider_transitions_total{provider, from, to} (Counter): Health transitions
//   - metricd_provider_probes_total{provider, result} (Counter): Recovery probes
//   - metricd_provider_probe_backoff_seconds{provider} (Histogram): Delay before the next probe
//
// Rate Limit Metrics (pkg/ratelimit):
//   - metricd_rate_limit_blocks_total{provider} (Counter): Calls skipped in an upstream block window
//   - metricd_rate_limit_throttles_total{provider} (Counter): Calls refused by the local token bucket
//
// Acquisition Metrics (pkg/acquire):
//   - metricd_acquire_requests_total{result} (Counter): cached, fetched, stale, error, timeout
//   - metricd_acquire_duration_seconds (Histogram): Acquire latency seen by callers
//   - metricd_singleflight_shared_total (Counter): Callers that joined an in-flight fetch
//   - metricd_failovers_total{metric} (Counter): Moves to the next provider
//   - metricd_stale_fallbacks_total{metric} (Counter): Stale values served
//   - metricd_providers_exhausted_total{metric} (Counter): Requests with no provider and no stale value
//   - metricd_batch_size{provider} (Histogram): Items per batch call
//
// Warmer Metrics (pkg/warmer):
//   - metricd_warmer_runs_total (Counter): Warmer passes
//   - metricd_warmer_refreshes_total{result} (Counter): Hot key refreshes
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(metricd_cache_hits_total[5m])) /
//   (sum(rate(metricd_cache_hits_total[5m])) + sum(rate(metricd_cache_misses_total[5m])))
//
//   # Providers not healthy
//   metricd_provider_health_state > 0
//
//   # Stale Serving Rate
//   sum(rate(metricd_stale_fallbacks_total[5m])) / sum(rate(metricd_acquire_requests_total[5m]))
//
//   # P95 Provider Latency
//   histogram_quantile(0.95, sum by (le, provider) (rate(metricd_provider_request_duration_seconds_bucket[5m])))
