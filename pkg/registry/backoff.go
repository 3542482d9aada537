package registry

import (
	"math/rand"
	"time"
)

// BackoffConfig holds the probe backoff configuration.
type BackoffConfig struct {
	// Initial is the delay after the first failed probe.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Multiplier is applied per consecutive failed probe.
	Multiplier float64

	// Jitter is the relative spread applied to every delay (0.2 = ±20%).
	Jitter float64
}

// DefaultBackoffConfig returns the default probe backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    5 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// withDefaults fills every unset field from DefaultBackoffConfig. A
// multiplier below 1 would shrink the delay, so it counts as unset.
func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = def.Initial
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	return c
}

// Delay returns the un-jittered delay after attempt consecutive failed probes
// (attempt starts at 1).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	d := float64(c.Initial)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.Max) {
			return c.Max
		}
	}
	return time.Duration(d)
}

// withJitter spreads d by ±Jitter to keep instances from probing in lockstep.
func (c BackoffConfig) withJitter(d time.Duration) time.Duration {
	if c.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - c.Jitter + rand.Float64()*2*c.Jitter))
}
