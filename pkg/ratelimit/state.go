// Package ratelimit gates calls to upstream providers. Each provider gets a
// local token bucket and a "blocked until" window set from the upstream's own
// rate-limit answers. A throttled provider is skipped, not penalized.
package ratelimit

import (
	"time"
)

// Redis key layout for shared block windows.
const (
	RedisKeyPrefix       = "ratelimit:"
	RedisKeyBlockedUntil = ":blocked_until"
)

// RedisKey returns the key holding providerID's block window.
func RedisKey(providerID string) string {
	return RedisKeyPrefix + providerID + RedisKeyBlockedUntil
}

// DefaultBlock is used when an upstream reports a rate limit without a
// usable retry hint.
const DefaultBlock = 30 * time.Second

// State is the rate limit view of one provider.
type State struct {
	Provider string `json:"provider"`

	// BlockedUntil is when the upstream allows calls again.
	BlockedUntil time.Time `json:"blocked_until"`

	// Blocks counts calls refused because of a block window.
	Blocks int64 `json:"blocks"`

	// Throttles counts calls refused by the local token bucket.
	Throttles int64 `json:"throttles"`
}

// Blocked returns true if calls should be refused at now.
func (s *State) Blocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the duration until the block window ends.
// Returns 0 if the window has already passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
