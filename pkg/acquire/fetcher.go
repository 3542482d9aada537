package acquire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jrdn-h/CA/pkg/cache"
	"github.com/jrdn-h/CA/pkg/provider"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
)

// staleLookupTimeout bounds the last-resort stale read. It runs on its own
// context because the failover loop may have used up the fetch budget.
const staleLookupTimeout = 2 * time.Second

// Fetcher runs the failover fetch: providers in Resolve order, write-through
// on the first success, stale value or ErrAllProvidersExhausted when every
// provider failed.
type Fetcher struct {
	store  *cache.Store
	policy *ttl.Policy
	reg    *registry.Registry
	mon    *registry.Monitor
	batch  BatchConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	batchers map[string]*Batcher
}

// NewFetcher wires a fetcher. mon must report to reg.
func NewFetcher(store *cache.Store, policy *ttl.Policy, reg *registry.Registry, mon *registry.Monitor, batch BatchConfig, clock clockwork.Clock, logger zerolog.Logger) *Fetcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Fetcher{
		store:    store,
		policy:   policy,
		reg:      reg,
		mon:      mon,
		batch:    batch,
		clock:    clock,
		logger:   logger,
		batchers: make(map[string]*Batcher),
	}
}

// Fetch fetches req from the providers, bypassing the fresh cache.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	key := req.Key()
	class, ttlDur := f.policy.TTL(req.Metric, req.Params)
	candidates := f.reg.Resolve(req.Metric)

	var errs []error
	for i, c := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		value, err := f.call(ctx, c, req)
		if err != nil {
			if errors.Is(err, registry.ErrThrottled) {
				f.logger.Debug().Str("provider", c.ID).Str("key", key).Msg("Provider throttled, skipping")
			} else {
				errs = append(errs, err)
				f.logger.Warn().
					Err(err).
					Str("provider", c.ID).
					Str("key", key).
					Str("error_class", string(provider.Classify(err))).
					Msg("Provider failed, trying next")
			}
			if i < len(candidates)-1 {
				failoversTotal.WithLabelValues(req.Metric).Inc()
			}
			continue
		}

		return f.writeThrough(ctx, key, value, ttlDur, cache.Meta{
			Metric:   req.Metric,
			Asset:    req.Asset,
			Provider: c.ID,
			Class:    class,
		}), nil
	}

	staleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), staleLookupTimeout)
	stale, err := f.store.GetStale(staleCtx, key)
	cancel()
	if err == nil {
		staleFallbacksTotal.WithLabelValues(req.Metric).Inc()
		f.logger.Warn().
			Str("key", key).
			Str("provider", stale.Provider).
			Dur("age", stale.Age(f.clock.Now())).
			Msg("All providers failed, serving stale value")

		res := resultFromEntry(stale)
		res.Stale = true
		return res, nil
	}

	exhaustedTotal.WithLabelValues(req.Metric).Inc()
	f.logger.Error().Str("key", key).Int("candidates", len(candidates)).Msg("All providers exhausted")
	return nil, exhausted(key, len(candidates), errs)
}

// writeThrough caches value. A cache outage does not fail the fetch.
func (f *Fetcher) writeThrough(ctx context.Context, key string, value []byte, ttlDur time.Duration, meta cache.Meta) *Result {
	res := &Result{Value: value, Key: key, Provider: meta.Provider}

	entry, err := f.store.Set(ctx, key, value, ttlDur, meta)
	if err != nil {
		now := f.clock.Now()
		res.StoredAt = now
		res.ExpiresAt = now.Add(ttlDur)
		if !errors.Is(err, cache.ErrCacheUnavailable) {
			f.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache fetched value")
		}
		return res
	}

	res.StoredAt = entry.StoredAt
	res.ExpiresAt = entry.ExpiresAt
	return res
}

func (f *Fetcher) call(ctx context.Context, c registry.Candidate, req Request) ([]byte, error) {
	if b := f.batcher(c); b != nil {
		return b.Fetch(ctx, provider.Item{Metric: req.Metric, Asset: req.Asset, Params: req.Params})
	}
	return f.mon.Call(ctx, c, req.Metric, req.Asset, req.Params)
}

// batcher returns the batcher of c, or nil when batching is off or the
// provider cannot batch.
func (f *Fetcher) batcher(c registry.Candidate) *Batcher {
	if !f.batch.Enabled {
		return nil
	}
	bf, ok := c.Provider.(provider.BatchFetcher)
	if !ok {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.batchers[c.ID]
	if !ok {
		b = NewBatcher(f.mon, c, bf, f.batch, f.clock, f.logger)
		f.batchers[c.ID] = b
	}
	return b
}
