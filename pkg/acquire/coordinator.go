// Package acquire is the entry point for metric reads. A Coordinator serves
// fresh values from the cache, collapses concurrent misses for the same key
// into one upstream fetch, and runs that fetch through the provider failover
// chain.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jrdn-h/CA/pkg/cache"
	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
)

// Defaults for Config.
const (
	DefaultFetchBudget    = 30 * time.Second
	DefaultMaxConcurrency = 8
)

// Config wires a Coordinator.
type Config struct {
	Store    *cache.Store
	Policy   *ttl.Policy
	Registry *registry.Registry
	Monitor  *registry.Monitor

	// FetchBudget bounds a shared fetch across all failover attempts. It is
	// independent of any caller's deadline.
	FetchBudget time.Duration

	// MaxConcurrency bounds parallel fetches in AcquireMany.
	MaxConcurrency int

	Batching BatchConfig

	Clock  clockwork.Clock
	Logger *zerolog.Logger
}

// Stats counts coordinator activity.
type Stats struct {
	Requests     int64 `json:"requests"`
	CacheHits    int64 `json:"cache_hits"`
	Fetches      int64 `json:"fetches"`
	Shared       int64 `json:"shared"`
	Stale        int64 `json:"stale"`
	Failures     int64 `json:"failures"`
	Deduplicated int64 `json:"deduplicated"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg     Config
	store   *cache.Store
	fetcher *Fetcher
	clock   clockwork.Clock
	logger  zerolog.Logger
	group   singleflight.Group

	requests     atomic.Int64
	cacheHits    atomic.Int64
	fetches      atomic.Int64
	shared       atomic.Int64
	stale        atomic.Int64
	failures     atomic.Int64
	deduplicated atomic.Int64
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Policy == nil || cfg.Registry == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "coordinator needs a store, a ttl policy and a registry")
	}
	if cfg.FetchBudget <= 0 {
		cfg.FetchBudget = DefaultFetchBudget
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = registry.NewMonitor(cfg.Registry, registry.MonitorConfig{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	logger := logging.NewLogger("acquire")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Coordinator{
		cfg:     cfg,
		store:   cfg.Store,
		fetcher: NewFetcher(cfg.Store, cfg.Policy, cfg.Registry, cfg.Monitor, cfg.Batching, cfg.Clock, logger),
		clock:   cfg.Clock,
		logger:  logger,
	}, nil
}

// Acquire returns the value for req. A fresh cache entry is returned without
// touching any provider. Otherwise the caller joins (or starts) the single
// in-flight fetch for the key. When ctx ends first, Acquire returns an error
// wrapping ErrAcquireTimeout and the fetch continues for the other waiters.
func (c *Coordinator) Acquire(ctx context.Context, req Request) (*Result, error) {
	start := c.clock.Now()
	defer func() { acquireDuration.Observe(c.clock.Since(start).Seconds()) }()

	req = req.normalized()
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = start
	}
	c.requests.Add(1)

	key := req.Key()
	if !req.ForceRefresh {
		if res := c.cached(ctx, key); res != nil {
			acquireRequestsTotal.WithLabelValues("cached").Inc()
			return res, nil
		}
	}

	flightKey := key
	if req.ForceRefresh {
		flightKey = "refresh|" + key
	}

	// led is set only in the caller whose closure runs; singleflight reports
	// Shared to the leader too once anyone joined.
	var led bool
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		led = true
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchBudget)
		defer cancel()

		if !req.ForceRefresh {
			// another flight may have filled the cache since our check
			if res := c.cached(fctx, key); res != nil {
				return res, nil
			}
		}

		c.fetches.Add(1)
		return c.fetcher.Fetch(fctx, req)
	})

	select {
	case out := <-ch:
		joined := out.Shared && !led
		if joined {
			c.shared.Add(1)
			singleflightSharedTotal.Inc()
		}
		if out.Err != nil {
			c.failures.Add(1)
			acquireRequestsTotal.WithLabelValues("error").Inc()
			return nil, out.Err
		}

		res := *out.Val.(*Result)
		res.Shared = joined
		switch {
		case res.Stale:
			c.stale.Add(1)
			acquireRequestsTotal.WithLabelValues("stale").Inc()
		case res.Cached:
			acquireRequestsTotal.WithLabelValues("cached").Inc()
		default:
			acquireRequestsTotal.WithLabelValues("fetched").Inc()
		}
		return &res, nil

	case <-ctx.Done():
		acquireRequestsTotal.WithLabelValues("timeout").Inc()
		c.logger.Debug().Str("key", key).Msg("Caller gave up waiting for shared fetch")
		return nil, fmt.Errorf("%w: %s: %w", ErrAcquireTimeout, key, ctx.Err())
	}
}

// cached returns a fresh cache hit, or nil. A cache outage is a miss.
func (c *Coordinator) cached(ctx context.Context, key string) *Result {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheUnavailable) {
			c.logger.Debug().Str("key", key).Msg("Cache unavailable, bypassing")
		}
		return nil
	}

	c.cacheHits.Add(1)
	res := resultFromEntry(entry)
	res.Cached = true
	return res
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		CacheHits:    c.cacheHits.Load(),
		Fetches:      c.fetches.Load(),
		Shared:       c.shared.Load(),
		Stale:        c.stale.Load(),
		Failures:     c.failures.Load(),
		Deduplicated: c.deduplicated.Load(),
	}
}

// Store returns the cache store behind the coordinator.
func (c *Coordinator) Store() *cache.Store { return c.store }

// Registry returns the provider registry behind the coordinator.
func (c *Coordinator) Registry() *registry.Registry { return c.cfg.Registry }

// Policy returns the TTL policy used for write-through.
func (c *Coordinator) Policy() *ttl.Policy { return c.cfg.Policy }
