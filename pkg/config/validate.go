package config

import (
	"errors"
	"fmt"

	"github.com/jrdn-h/CA/pkg/logging"
)

// Validate reports every problem found, joined, each wrapping ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...)))
	}

	if c.Listen == "" {
		add("listen address is required")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("%v", err)
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Cache.Redis.Addrs) == 0 {
			add("redis backend needs at least one address")
		}
	default:
		add("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.StaleRetention < 0 {
		add("stale retention must not be negative")
	}

	for metric, class := range c.TTL.Overrides {
		if !class.Valid() {
			add("metric %q: unknown volatility class", metric)
		}
	}
	if mh := c.TTL.MarketHours; mh.Enabled {
		if mh.StartHour < 0 || mh.StartHour > 23 || mh.EndHour < 0 || mh.EndHour > 23 {
			add("market hours must be within 0-23 (got %d-%d)", mh.StartHour, mh.EndHour)
		}
		if mh.ActiveMultiplier < 0 || mh.OffHoursMultiplier < 0 {
			add("market hour multipliers must not be negative")
		}
		for _, h := range mh.HighVolatilityHours {
			if h < 0 || h > 23 {
				add("high volatility hour %d out of range", h)
			}
		}
	}

	if err := c.Health.Thresholds.Validate(); err != nil {
		add("health thresholds: %v", err)
	}

	if b := c.Health.ProbeBackoff; b.Initial < 0 || b.Max < 0 {
		add("probe backoff durations must not be negative")
	} else if b.Max > 0 && b.Max < b.Initial {
		add("probe backoff max %s is below initial %s", b.Max, b.Initial)
	}
	if m := c.Health.ProbeBackoff.Multiplier; m != 0 && m < 1 {
		add("probe backoff multiplier must be at least 1 (got %v)", m)
	}
	if j := c.Health.ProbeBackoff.Jitter; j < 0 || j >= 1 {
		add("probe backoff jitter must be within [0, 1) (got %v)", j)
	}

	if c.Acquire.Batching.Enabled && c.Acquire.Batching.MaxSize < 0 {
		add("batch max size must not be negative")
	}

	if r := c.Warmer.RefreshRatio; r < 0 || r > 1 {
		add("warmer refresh ratio must be within 0-1 (got %v)", r)
	}
	for i, k := range c.Warmer.Keys {
		if k.Metric == "" || k.Asset == "" {
			add("warmer key %d needs metric and asset", i)
		}
	}

	errs = append(errs, c.validateFamilies()...)

	return errors.Join(errs...)
}

func (c *Config) validateFamilies() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...)))
	}

	if len(c.Families) == 0 {
		add("at least one provider family is required")
	}

	types := make(map[string]string)
	names := make(map[string]bool)
	for _, fam := range c.Families {
		if fam.Name == "" {
			add("family name is required")
		}
		if names[fam.Name] {
			add("family %q declared twice", fam.Name)
		}
		names[fam.Name] = true

		if len(fam.Providers) == 0 {
			add("family %q has no providers", fam.Name)
		}

		priorities := make(map[int]string)
		for _, p := range fam.Providers {
			if p.ID == "" {
				add("family %q: provider id is required", fam.Name)
				continue
			}
			switch p.Type {
			case ProviderStatic, ProviderBinance:
			default:
				add("provider %q: unknown type %q", p.ID, p.Type)
			}
			if prev, ok := types[p.ID]; ok && prev != p.Type {
				add("provider %q declared with types %q and %q", p.ID, prev, p.Type)
			}
			types[p.ID] = p.Type

			if other, ok := priorities[p.Priority]; ok {
				add("family %q: providers %q and %q share priority %d", fam.Name, other, p.ID, p.Priority)
			}
			priorities[p.Priority] = p.ID

			if len(p.Capabilities) == 0 {
				add("provider %q: no capabilities", p.ID)
			}
		}
	}
	return errs
}
