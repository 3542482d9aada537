// Package health implements the per-provider health state machine.
//
// A provider starts Healthy. Consecutive failures degrade it and eventually
// make it Unavailable; from there only a successful recovery probe (or an
// operator override) brings it back, first to Degraded and then, after a
// streak of successful live calls, to Healthy.
package health

import (
	"fmt"
	"strings"
)

// State is a provider health state. The numeric order is the selection rank.
type State int

const (
	Healthy State = iota
	Degraded
	Unavailable
)

var stateNames = [...]string{"healthy", "degraded", "unavailable"}

func (s State) String() string {
	if s < Healthy || s > Unavailable {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Eligible reports whether a provider in this state may be selected.
func (s State) Eligible() bool {
	return s == Healthy || s == Degraded
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name, case-insensitively.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return State(i), nil
		}
	}
	return Healthy, fmt.Errorf("unknown health state %q", name)
}

// Event is an input to the state machine.
type Event int

const (
	// EventFailure is a failed live call (error, timeout, rate limit from upstream).
	EventFailure Event = iota
	// EventSuccess is a successful live call.
	EventSuccess
	// EventProbeSuccess is a successful recovery probe or health check.
	EventProbeSuccess
	// EventProbeFailure is a failed recovery probe or health check.
	EventProbeFailure
)

var eventNames = [...]string{"failure", "success", "probe_success", "probe_failure"}

func (e Event) String() string {
	if e < EventFailure || e > EventProbeFailure {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}
