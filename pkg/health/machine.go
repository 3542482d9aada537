package health

import "fmt"

// Thresholds are the transition points of the machine.
type Thresholds struct {
	// DegradeAfter consecutive failures move Healthy to Degraded.
	DegradeAfter int `yaml:"degrade_after"`

	// UnavailableAfter consecutive failures move Degraded to Unavailable.
	UnavailableAfter int `yaml:"unavailable_after"`

	// RecoverAfter consecutive successes move Degraded to Healthy.
	RecoverAfter int `yaml:"recover_after"`
}

// DefaultThresholds returns 3 / 8 / 3.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradeAfter:     3,
		UnavailableAfter: 8,
		RecoverAfter:     3,
	}
}

// Validate checks that the thresholds are positive and ordered.
func (t Thresholds) Validate() error {
	if t.DegradeAfter < 1 || t.RecoverAfter < 1 {
		return fmt.Errorf("health thresholds must be positive (degrade_after=%d, recover_after=%d)", t.DegradeAfter, t.RecoverAfter)
	}
	if t.UnavailableAfter <= t.DegradeAfter {
		return fmt.Errorf("unavailable_after (%d) must be greater than degrade_after (%d)", t.UnavailableAfter, t.DegradeAfter)
	}
	return nil
}

type transition struct {
	from  State
	event Event
	guard func(*Machine) bool
	to    State
}

// transitions is the complete table. Events without a matching row only
// update counters.
var transitions = []transition{
	{Healthy, EventFailure, func(m *Machine) bool { return m.failures >= m.thresholds.DegradeAfter }, Degraded},
	{Healthy, EventProbeFailure, func(m *Machine) bool { return m.failures >= m.thresholds.DegradeAfter }, Degraded},
	{Degraded, EventFailure, func(m *Machine) bool { return m.failures >= m.thresholds.UnavailableAfter }, Unavailable},
	{Degraded, EventProbeFailure, nil, Unavailable},
	{Degraded, EventSuccess, func(m *Machine) bool { return m.streak >= m.thresholds.RecoverAfter }, Healthy},
	{Unavailable, EventProbeSuccess, nil, Degraded},
}

// Machine tracks one provider. It is not safe for concurrent use; the owner
// serializes access.
type Machine struct {
	thresholds Thresholds
	state      State
	failures   int
	streak     int
}

// NewMachine returns a Healthy machine.
func NewMachine(t Thresholds) *Machine {
	return &Machine{thresholds: t, state: Healthy}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// ConsecutiveFailures returns the failure counter.
func (m *Machine) ConsecutiveFailures() int { return m.failures }

// SuccessStreak returns the number of successes since the last failure.
func (m *Machine) SuccessStreak() int { return m.streak }

// Fire applies ev and returns the state before and after it.
func (m *Machine) Fire(ev Event) (from, to State) {
	from = m.state

	switch ev {
	case EventFailure:
		m.failures++
		m.streak = 0
	case EventProbeFailure:
		// an explicit check failing while Healthy counts as one more failure
		if m.state == Healthy {
			m.failures++
		}
		m.streak = 0
	case EventSuccess:
		if m.failures > 0 {
			m.failures--
		}
		m.streak++
	}

	for _, t := range transitions {
		if t.from != m.state || t.event != ev {
			continue
		}
		if t.guard != nil && !t.guard(m) {
			continue
		}
		m.enter(t.to)
		break
	}

	return from, m.state
}

func (m *Machine) enter(to State) {
	switch {
	case to == Healthy:
		m.failures = 0
		m.streak = 0
	case to == Degraded && m.state == Unavailable:
		// re-enter Degraded as if just degraded; recovery needs a fresh streak
		m.failures = m.thresholds.DegradeAfter
		m.streak = 0
	case to == Unavailable:
		m.streak = 0
	}
	m.state = to
}

// Override forces the machine into s and clears both counters.
func (m *Machine) Override(s State) {
	m.state = s
	m.failures = 0
	m.streak = 0
}
