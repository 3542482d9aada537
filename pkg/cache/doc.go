// Package cache is the volatility-aware cache tier for metric payloads.
//
// A Store keeps opaque payloads in an Entry envelope that records when the
// value was stored and when it stops being fresh. The freshness window comes
// from the caller (normally the ttl package); the backend keeps the entry a
// little longer so the failover path can still serve it as stale data.
//
// # Backends
//
//   - RedisBackend: go-redis v9, SCAN for pattern walks, MGET for batch reads
//     and pipelines for batch writes.
//   - MemoryBackend: bounded in-process LRU with age based eviction.
//
// # Basic Usage
//
//	store, err := cache.NewStore(cache.Config{
//		Backend: cache.NewRedisBackend(redis.NewClient(&redis.Options{Addr: "localhost:6379"})),
//	})
//
//	key := cache.Key{Metric: "price", Asset: "btc"}.String() // metric:price:BTC
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from a provider, then
//		_, _ = store.Set(ctx, key, payload, 30*time.Second, cache.Meta{Metric: "price", Asset: "BTC"})
//	}
//
// # Degraded Operation
//
// When the backend cannot be reached every operation behaves as a miss or a
// no-op and returns an error wrapping ErrCacheUnavailable. The outage is
// logged once and cleared by the next successful backend call.
//
// # Metrics
//
//   - metricd_cache_hits_total{layer}
//   - metricd_cache_misses_total
//   - metricd_cache_stale_hits_total
//   - metricd_cache_evictions_total
//   - metricd_cache_errors_total{operation}
//   - metricd_cache_available
package cache
