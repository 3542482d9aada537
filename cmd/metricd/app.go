package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jrdn-h/CA/pkg/acquire"
	"github.com/jrdn-h/CA/pkg/cache"
	"github.com/jrdn-h/CA/pkg/config"
	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/provider"
	"github.com/jrdn-h/CA/pkg/provider/binance"
	"github.com/jrdn-h/CA/pkg/provider/static"
	"github.com/jrdn-h/CA/pkg/ratelimit"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
	"github.com/jrdn-h/CA/pkg/warmer"
)

// app holds the wired components of the service.
type app struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger zerolog.Logger

	redis    redis.UniversalClient
	store    *cache.Store
	policy   *ttl.Policy
	registry *registry.Registry
	monitor  *registry.Monitor
	limits   *ratelimit.Tracker
	coord    *acquire.Coordinator
	warmer   *warmer.Warmer
}

// newApp wires every component from cfg. Providers found in extra replace
// configured providers with the same ID.
func newApp(ctx context.Context, cfg *config.Config, extra map[string]provider.Provider) (*app, error) {
	a := &app{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logging.NewLogger("metricd"),
	}

	backend, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}

	storeLogger := logging.NewLogger("cache")
	a.store, err = cache.NewStore(cache.Config{
		Backend:           backend,
		StaleRetention:    cfg.Cache.StaleRetention,
		CompressThreshold: cfg.Cache.CompressThreshold,
		Clock:             a.clock,
		Logger:            &storeLogger,
	})
	if err != nil {
		return nil, err
	}

	a.policy, err = ttl.NewPolicy(cfg.PolicyConfig(a.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	a.registry, err = registry.New(cfg.RegistryConfig(a.clock))
	if err != nil {
		return nil, err
	}

	a.limits = ratelimit.NewTracker(cfg.RateLimitConfig(a.clock, a.redis))
	if a.redis != nil {
		if err := a.limits.Load(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to load shared rate limit state")
		}
	}
	a.monitor = registry.NewMonitor(a.registry, cfg.MonitorConfig(a.clock, a.limits))

	if err := a.registerProviders(extra); err != nil {
		return nil, err
	}

	a.coord, err = acquire.New(acquire.Config{
		Store:          a.store,
		Policy:         a.policy,
		Registry:       a.registry,
		Monitor:        a.monitor,
		FetchBudget:    cfg.Acquire.FetchBudget,
		MaxConcurrency: cfg.Acquire.MaxConcurrency,
		Batching:       cfg.Acquire.Batching,
		Clock:          a.clock,
	})
	if err != nil {
		return nil, err
	}

	a.warmer, err = warmer.New(a.coord, warmer.Config{
		Keys:         cfg.WarmKeys(),
		RefreshRatio: cfg.Warmer.RefreshRatio,
		Interval:     cfg.Warmer.Interval,
		Concurrency:  cfg.Warmer.Concurrency,
		Clock:        a.clock,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) backend(ctx context.Context) (cache.Backend, error) {
	switch a.cfg.Cache.Backend {
	case config.BackendRedis:
		a.redis = redis.NewUniversalClient(a.cfg.RedisOptions())
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// the store degrades to cache-bypass until Redis answers
			a.logger.Warn().Err(err).Strs("addrs", a.cfg.Cache.Redis.Addrs).Msg("Redis not reachable at startup")
		} else {
			a.logger.Info().Strs("addrs", a.cfg.Cache.Redis.Addrs).Msg("Connected to Redis")
		}
		return cache.NewRedisBackend(a.redis), nil
	default:
		return cache.NewMemoryBackend(a.cfg.Cache.MemorySize, 0, a.clock), nil
	}
}

func (a *app) registerProviders(extra map[string]provider.Provider) error {
	built := make(map[string]provider.Provider)

	for _, fam := range a.cfg.Families {
		for _, pc := range fam.Providers {
			p, ok := built[pc.ID]
			if !ok {
				p, ok = extra[pc.ID]
				if !ok {
					p = buildProvider(pc)
				}
				built[pc.ID] = p
			}

			err := a.registry.Register(registry.Registration{
				Family:       fam.Name,
				Provider:     p,
				Priority:     pc.Priority,
				Capabilities: pc.Capabilities,
				ProbeAsset:   pc.ProbeAsset,
			})
			if err != nil {
				return err
			}
		}
	}

	a.logger.Info().Int("providers", len(built)).Int("families", len(a.cfg.Families)).Msg("Providers registered")
	return nil
}

func buildProvider(pc config.ProviderConfig) provider.Provider {
	switch pc.Type {
	case config.ProviderBinance:
		return binance.New(binance.Config{
			ID:      pc.ID,
			BaseURL: pc.BaseURL,
			Quote:   pc.Quote,
			Timeout: pc.Timeout,
		})
	default:
		return static.New(pc.ID, nil)
	}
}

// Close releases the Redis connection and stops the probe loop.
func (a *app) Close() {
	a.monitor.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
}
