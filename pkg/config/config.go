// Package config loads the metricd configuration from YAML with environment
// overrides and converts it into component configurations.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jrdn-h/CA/pkg/acquire"
	"github.com/jrdn-h/CA/pkg/health"
	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/ratelimit"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
)

// ErrConfiguration marks every configuration problem. It is the registry's
// sentinel so registration errors and load errors match the same check.
var ErrConfiguration = registry.ErrConfiguration

// Environment overrides.
const (
	EnvRedisAddr = "METRICD_REDIS_ADDR"
	EnvLogLevel  = "METRICD_LOG_LEVEL"
	EnvListen    = "METRICD_LISTEN"
)

// Provider types understood by the service.
const (
	ProviderStatic  = "static"
	ProviderBinance = "binance"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// StaticPriority is the conventional priority of the static fallback provider.
const StaticPriority = 99

// Config is the root of the service configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
	TTL        TTLConfig        `yaml:"ttl"`
	Health     HealthConfig     `yaml:"health"`
	Acquire    AcquireConfig    `yaml:"acquire"`
	Warmer     WarmerConfig     `yaml:"warmer"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Families   []FamilyConfig   `yaml:"families"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	Backend           string        `yaml:"backend"`
	MemorySize        int           `yaml:"memory_size"`
	StaleRetention    time.Duration `yaml:"stale_retention"`
	CompressThreshold int           `yaml:"compress_threshold"`
	Redis             RedisConfig   `yaml:"redis"`
}

// RedisConfig addresses a single Redis node or a cluster.
type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

// TTLConfig configures the TTL policy.
type TTLConfig struct {
	Overrides   map[string]ttl.Class `yaml:"overrides"`
	MarketHours MarketHoursConfig    `yaml:"market_hours"`
	MinTTL      time.Duration        `yaml:"min_ttl"`
}

// MarketHoursConfig mirrors ttl.MarketHours.
type MarketHoursConfig struct {
	Enabled             bool    `yaml:"enabled"`
	StartHour           int     `yaml:"start_hour"`
	EndHour             int     `yaml:"end_hour"`
	ActiveMultiplier    float64 `yaml:"active_multiplier"`
	OffHoursMultiplier  float64 `yaml:"off_hours_multiplier"`
	HighVolatilityHours []int   `yaml:"high_volatility_hours"`
}

// HealthConfig configures the health state machine and the monitor.
type HealthConfig struct {
	Thresholds    health.Thresholds `yaml:"thresholds"`
	CallTimeout   time.Duration     `yaml:"call_timeout"`
	ProbeInterval time.Duration     `yaml:"probe_interval"`
	ProbeTimeout  time.Duration     `yaml:"probe_timeout"`
	ProbeBackoff  BackoffConfig     `yaml:"probe_backoff"`
	ProbeAsset    string            `yaml:"probe_asset"`
}

// BackoffConfig mirrors registry.BackoffConfig.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// AcquireConfig configures the coordinator.
type AcquireConfig struct {
	FetchBudget    time.Duration       `yaml:"fetch_budget"`
	MaxConcurrency int                 `yaml:"max_concurrency"`
	Batching       acquire.BatchConfig `yaml:"batching"`
}

// WarmerConfig lists hot keys.
type WarmerConfig struct {
	Keys         []WarmKey     `yaml:"keys"`
	RefreshRatio float64       `yaml:"refresh_ratio"`
	Interval     time.Duration `yaml:"interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// WarmKey is one hot key.
type WarmKey struct {
	Metric string            `yaml:"metric"`
	Asset  string            `yaml:"asset"`
	Params map[string]string `yaml:"params"`
}

// RateLimitsConfig configures local per-provider rate limits.
type RateLimitsConfig struct {
	Default   ratelimit.Limit            `yaml:"default"`
	Providers map[string]ratelimit.Limit `yaml:"providers"`
}

// FamilyConfig is an ordered group of providers.
type FamilyConfig struct {
	Name      string           `yaml:"name"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one provider inside a family.
type ProviderConfig struct {
	ID           string        `yaml:"id"`
	Type         string        `yaml:"type"`
	Priority     int           `yaml:"priority"`
	Capabilities []string      `yaml:"capabilities"`
	ProbeAsset   string        `yaml:"probe_asset"`
	BaseURL      string        `yaml:"base_url"`
	Quote        string        `yaml:"quote"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns a runnable configuration backed by the in-memory cache and
// the static provider only.
func Default() *Config {
	thresholds := health.DefaultThresholds()
	backoff := registry.DefaultBackoffConfig()
	monitor := registry.DefaultMonitorConfig()

	return &Config{
		Listen:  ":8080",
		Logging: LoggingConfig{Level: string(logging.LevelInfo)},
		Cache: CacheConfig{
			Backend:           BackendMemory,
			MemorySize:        10000,
			StaleRetention:    30 * time.Minute,
			CompressThreshold: 4096,
		},
		TTL: TTLConfig{
			MarketHours: marketHoursFrom(ttl.DefaultMarketHours()),
			MinTTL:      ttl.DefaultMinTTL,
		},
		Health: HealthConfig{
			Thresholds:    thresholds,
			CallTimeout:   monitor.CallTimeout,
			ProbeInterval: monitor.ProbeInterval,
			ProbeTimeout:  monitor.ProbeTimeout,
			ProbeBackoff: BackoffConfig{
				Initial:    backoff.Initial,
				Max:        backoff.Max,
				Multiplier: backoff.Multiplier,
				Jitter:     backoff.Jitter,
			},
			ProbeAsset: monitor.DefaultProbeAsset,
		},
		Acquire: AcquireConfig{
			FetchBudget:    acquire.DefaultFetchBudget,
			MaxConcurrency: acquire.DefaultMaxConcurrency,
			Batching:       acquire.DefaultBatchConfig(),
		},
		Warmer: WarmerConfig{RefreshRatio: 0.7},
		Families: []FamilyConfig{{
			Name: "default",
			Providers: []ProviderConfig{{
				ID:           ProviderStatic,
				Type:         ProviderStatic,
				Priority:     StaticPriority,
				Capabilities: knownMetrics(),
			}},
		}},
	}
}

func knownMetrics() []string {
	table := ttl.DefaultTable()
	out := make([]string, 0, len(table))
	for metric := range table {
		out = append(out, metric)
	}
	sort.Strings(out)
	return out
}

func marketHoursFrom(m ttl.MarketHours) MarketHoursConfig {
	return MarketHoursConfig{
		Enabled:             m.Enabled,
		StartHour:           m.StartHour,
		EndHour:             m.EndHour,
		ActiveMultiplier:    m.ActiveMultiplier,
		OffHoursMultiplier:  m.OffHoursMultiplier,
		HighVolatilityHours: m.HighVolatilityHours,
	}
}

// Load reads path over Default, applies environment overrides and validates
// the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrConfiguration, path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown fields are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// ApplyEnv applies METRICD_* overrides using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Cache.Backend = BackendRedis
		c.Cache.Redis.Addrs = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
}
