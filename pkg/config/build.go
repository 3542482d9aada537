package config

import (
	"io"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/jrdn-h/CA/pkg/acquire"
	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/ratelimit"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
)

// LoggingSetup returns the logging configuration writing to out, or stderr
// when out is nil.
func (c *Config) LoggingSetup(out io.Writer) logging.Config {
	if out == nil {
		out = os.Stderr
	}
	return logging.Config{
		Level:   logging.LogLevel(c.Logging.Level),
		Pretty:  c.Logging.Pretty,
		Output:  out,
		Service: logging.DefaultService,
	}
}

// PolicyConfig returns the TTL policy configuration.
func (c *Config) PolicyConfig(clock clockwork.Clock) ttl.Config {
	mh := c.TTL.MarketHours
	return ttl.Config{
		Overrides: c.TTL.Overrides,
		MarketHours: ttl.MarketHours{
			Enabled:             mh.Enabled,
			StartHour:           mh.StartHour,
			EndHour:             mh.EndHour,
			ActiveMultiplier:    mh.ActiveMultiplier,
			OffHoursMultiplier:  mh.OffHoursMultiplier,
			HighVolatilityHours: mh.HighVolatilityHours,
		},
		MinTTL: c.TTL.MinTTL,
		Clock:  clock,
	}
}

// RegistryConfig returns the registry configuration.
func (c *Config) RegistryConfig(clock clockwork.Clock) registry.Config {
	cfg := registry.DefaultConfig()
	cfg.Thresholds = c.Health.Thresholds
	cfg.Clock = clock
	return cfg
}

// MonitorConfig returns the monitor configuration gated by limits.
func (c *Config) MonitorConfig(clock clockwork.Clock, limits *ratelimit.Tracker) registry.MonitorConfig {
	b := c.Health.ProbeBackoff
	return registry.MonitorConfig{
		CallTimeout:   c.Health.CallTimeout,
		ProbeInterval: c.Health.ProbeInterval,
		ProbeTimeout:  c.Health.ProbeTimeout,
		ProbeBackoff: registry.BackoffConfig{
			Initial:    b.Initial,
			Max:        b.Max,
			Multiplier: b.Multiplier,
			Jitter:     b.Jitter,
		},
		DefaultProbeAsset: c.Health.ProbeAsset,
		RateLimits:        limits,
		Clock:             clock,
	}
}

// RateLimitConfig returns the tracker configuration. rdb may be nil.
func (c *Config) RateLimitConfig(clock clockwork.Clock, rdb redis.UniversalClient) ratelimit.Config {
	return ratelimit.Config{
		Limits:  c.RateLimits.Providers,
		Default: c.RateLimits.Default,
		Redis:   rdb,
		Clock:   clock,
		Logger:  logging.NewLogger("ratelimit"),
	}
}

// RedisOptions returns client options for the redis backend.
func (c *Config) RedisOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:    c.Cache.Redis.Addrs,
		Password: c.Cache.Redis.Password,
		DB:       c.Cache.Redis.DB,
	}
}

// WarmKeys returns the warmer keys as requests.
func (c *Config) WarmKeys() []acquire.Request {
	out := make([]acquire.Request, len(c.Warmer.Keys))
	for i, k := range c.Warmer.Keys {
		out[i] = acquire.Request{Metric: k.Metric, Asset: k.Asset, Params: k.Params}
	}
	return out
}
