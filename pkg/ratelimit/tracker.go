package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_rate_limit_blocks_total",
		Help: "Total number of provider calls skipped during an upstream block window",
	}, []string{"provider"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_rate_limit_throttles_total",
		Help: "Total number of provider calls skipped by the local token bucket",
	}, []string{"provider"})
)

// Limit is a token bucket configuration. A zero RequestsPerSecond means unlimited.
type Limit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config holds tracker configuration.
type Config struct {
	// Limits per provider ID; providers without an entry use Default.
	Limits  map[string]Limit
	Default Limit

	// Redis, when set, shares block windows between instances.
	Redis redis.UniversalClient

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

type providerLimit struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	state   State
}

// Tracker gates calls per provider. It is safe for concurrent use.
type Tracker struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	providers map[string]*providerLimit
}

// NewTracker creates a new rate limit tracker.
func NewTracker(cfg Config) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		cfg:       cfg,
		clock:     clock,
		logger:    cfg.Logger,
		providers: make(map[string]*providerLimit),
	}
}

func (t *Tracker) get(providerID string) *providerLimit {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.providers[providerID]
	if !ok {
		limit, ok := t.cfg.Limits[providerID]
		if !ok {
			limit = t.cfg.Default
		}
		p = &providerLimit{state: State{Provider: providerID}}
		if limit.RequestsPerSecond > 0 {
			burst := limit.Burst
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
		}
		t.providers[providerID] = p
	}
	return p
}

// Allow reports whether a call to providerID may go out now. When it may not,
// the returned duration is how long until the block window ends (zero for a
// local throttle).
func (t *Tracker) Allow(providerID string) (bool, time.Duration) {
	p := t.get(providerID)
	now := t.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Blocked(now) {
		p.state.Blocks++
		rateLimitBlocksTotal.WithLabelValues(providerID).Inc()
		return false, p.state.TimeUntilReset(now)
	}

	if p.limiter != nil && !p.limiter.AllowN(now, 1) {
		p.state.Throttles++
		rateLimitThrottlesTotal.WithLabelValues(providerID).Inc()
		return false, 0
	}

	return true, 0
}

// Block refuses calls to providerID for d. A non-positive d uses DefaultBlock.
// Windows only ever grow; a shorter block inside a longer one is ignored.
func (t *Tracker) Block(ctx context.Context, providerID string, d time.Duration) {
	if d <= 0 {
		d = DefaultBlock
	}
	until := t.clock.Now().Add(d)

	p := t.get(providerID)
	p.mu.Lock()
	extended := until.After(p.state.BlockedUntil)
	if extended {
		p.state.BlockedUntil = until
	}
	p.mu.Unlock()

	if !extended {
		return
	}

	t.logger.Warn().
		Str("provider", providerID).
		Dur("duration", d).
		Time("blocked_until", until).
		Msg("Provider rate limited upstream - skipping until window ends")

	if t.cfg.Redis == nil {
		return
	}
	if err := t.cfg.Redis.Set(ctx, RedisKey(providerID), until.UnixMilli(), d).Err(); err != nil {
		t.logger.Warn().Err(err).Str("provider", providerID).Msg("Failed to share rate limit block")
	}
}

// State returns a snapshot of providerID's rate limit state.
func (t *Tracker) State(providerID string) State {
	p := t.get(providerID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Load restores block windows shared by other instances from Redis.
// It is a no-op without Redis.
func (t *Tracker) Load(ctx context.Context) error {
	if t.cfg.Redis == nil {
		return nil
	}

	var keys []string
	iter := t.cfg.Redis.Scan(ctx, 0, RedisKeyPrefix+"*"+RedisKeyBlockedUntil, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan rate limit state: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	values, err := t.cfg.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.clock.Now()
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			t.logger.Debug().Str("key", keys[i]).Msg("Ignoring malformed rate limit state")
			continue
		}
		until := time.UnixMilli(ms)
		if !until.After(now) {
			continue
		}

		providerID := strings.TrimSuffix(strings.TrimPrefix(keys[i], RedisKeyPrefix), RedisKeyBlockedUntil)
		p := t.get(providerID)
		p.mu.Lock()
		if until.After(p.state.BlockedUntil) {
			p.state.BlockedUntil = until
		}
		p.mu.Unlock()

		t.logger.Info().Str("provider", providerID).Time("blocked_until", until).Msg("Restored shared rate limit block")
	}
	return nil
}
