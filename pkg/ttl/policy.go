package ttl

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Defaults for the market-hours adjustment.
const (
	DefaultActiveMultiplier   = 0.5
	DefaultOffHoursMultiplier = 2.0
	DefaultMinTTL             = 5 * time.Second
)

// MarketHours is the UTC window of active trading. StartHour is inclusive and
// EndHour exclusive; a window with StartHour > EndHour wraps midnight.
type MarketHours struct {
	Enabled            bool
	StartHour          int
	EndHour            int
	ActiveMultiplier   float64
	OffHoursMultiplier float64

	// HighVolatilityHours get an extra 0.5x on top of the window multiplier.
	HighVolatilityHours []int
}

// DefaultMarketHours covers the overlap of US and EU sessions (06:00-22:00 UTC).
func DefaultMarketHours() MarketHours {
	return MarketHours{
		Enabled:            true,
		StartHour:          6,
		EndHour:            22,
		ActiveMultiplier:   DefaultActiveMultiplier,
		OffHoursMultiplier: DefaultOffHoursMultiplier,
	}
}

// Active reports whether hour (0-23, UTC) falls inside the window.
func (m MarketHours) Active(hour int) bool {
	if m.StartHour == m.EndHour {
		return true
	}
	if m.StartHour < m.EndHour {
		return hour >= m.StartHour && hour < m.EndHour
	}
	return hour >= m.StartHour || hour < m.EndHour
}

func (m MarketHours) highVolatility(hour int) bool {
	for _, h := range m.HighVolatilityHours {
		if h == hour {
			return true
		}
	}
	return false
}

// Config configures a Policy.
type Config struct {
	// Overrides replace or extend DefaultTable entries.
	Overrides   map[string]Class
	MarketHours MarketHours
	MinTTL      time.Duration
	Clock       clockwork.Clock
}

// Policy is the TTL policy engine. It is immutable after construction and
// safe for concurrent use.
type Policy struct {
	table  map[string]Class
	hours  MarketHours
	minTTL time.Duration
	clock  clockwork.Clock
}

// NewPolicy builds a policy from cfg. Zero multipliers fall back to the defaults.
func NewPolicy(cfg Config) (*Policy, error) {
	table := DefaultTable()
	for metric, class := range cfg.Overrides {
		if !class.Valid() {
			return nil, fmt.Errorf("metric %q: invalid volatility class %d", metric, int(class))
		}
		table[metric] = class
	}

	hours := cfg.MarketHours
	if hours.ActiveMultiplier == 0 {
		hours.ActiveMultiplier = DefaultActiveMultiplier
	}
	if hours.OffHoursMultiplier == 0 {
		hours.OffHoursMultiplier = DefaultOffHoursMultiplier
	}
	if hours.Enabled {
		if hours.StartHour < 0 || hours.StartHour > 23 || hours.EndHour < 0 || hours.EndHour > 23 {
			return nil, fmt.Errorf("market hours must be within 0-23 (got %d-%d)", hours.StartHour, hours.EndHour)
		}
		if hours.ActiveMultiplier < 0 || hours.OffHoursMultiplier < 0 {
			return nil, fmt.Errorf("market hour multipliers must be positive")
		}
	}

	minTTL := cfg.MinTTL
	if minTTL <= 0 {
		minTTL = DefaultMinTTL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Policy{table: table, hours: hours, minTTL: minTTL, clock: clock}, nil
}

// Classify returns the class registered for metric, or Medium.
func (p *Policy) Classify(metric string) Class {
	if class, ok := p.table[metric]; ok {
		return class
	}
	return Medium
}

// ClassifyRequest is Classify with timeframe awareness: a request for "ohlcv"
// with timeframe=1m resolves to the "ohlcv_1m" entry when one is registered.
func (p *Policy) ClassifyRequest(metric string, params map[string]string) Class {
	if tf, ok := params["timeframe"]; ok && tf != "" {
		if class, ok := p.table[metric+"_"+tf]; ok {
			return class
		}
	}
	return p.Classify(metric)
}

// TTLFor returns the freshness window for class at now. The result depends only
// on the class and the UTC hour of now.
func (p *Policy) TTLFor(class Class, now time.Time) time.Duration {
	base := class.BaseTTL()
	if base == 0 {
		base = Medium.BaseTTL()
	}
	if !p.hours.Enabled {
		return base
	}

	hour := now.UTC().Hour()
	mult := p.hours.OffHoursMultiplier
	if p.hours.Active(hour) {
		mult = p.hours.ActiveMultiplier
	}
	if p.hours.highVolatility(hour) {
		mult *= 0.5
	}

	ttl := time.Duration(float64(base) * mult).Truncate(time.Millisecond)
	if ttl < p.minTTL {
		ttl = p.minTTL
	}
	return ttl
}

// TTL classifies metric and returns its TTL at the policy clock's current time.
func (p *Policy) TTL(metric string, params map[string]string) (Class, time.Duration) {
	class := p.ClassifyRequest(metric, params)
	return class, p.TTLFor(class, p.clock.Now())
}

// Now exposes the policy clock.
func (p *Policy) Now() time.Time {
	return p.clock.Now()
}
