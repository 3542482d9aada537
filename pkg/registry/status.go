package registry

import (
	"sort"
	"time"

	"github.com/jrdn-h/CA/pkg/health"
)

// ProviderStatus is a read-only snapshot of one provider.
type ProviderStatus struct {
	ID string `json:"id"`

	// Priorities maps family to the provider's priority in it.
	Priorities   map[string]int `json:"priorities"`
	Capabilities []string       `json:"capabilities"`

	State               health.State  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessStreak       int           `json:"success_streak"`
	RollingLatency      time.Duration `json:"rolling_latency"`

	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	LastProbeAt   time.Time `json:"last_probe_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Status returns the snapshot of one provider.
func (r *Registry) Status(id string) (ProviderStatus, error) {
	e, err := r.lookup(id)
	if err != nil {
		return ProviderStatus{}, err
	}

	r.mu.RLock()
	priorities := make(map[string]int)
	for family, members := range r.families {
		for _, m := range members {
			if m.id == id {
				priorities[family] = m.priority
			}
		}
	}
	r.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	caps := append([]string(nil), e.caps...)
	sort.Strings(caps)

	return ProviderStatus{
		ID:                  id,
		Priorities:          priorities,
		Capabilities:        caps,
		State:               e.machine.State(),
		ConsecutiveFailures: e.machine.ConsecutiveFailures(),
		SuccessStreak:       e.machine.SuccessStreak(),
		RollingLatency:      e.latency,
		Successes:           e.successes,
		Failures:            e.failures,
		LastSuccessAt:       e.lastSuccessAt,
		LastFailureAt:       e.lastFailureAt,
		LastProbeAt:         e.lastProbeAt,
		LastError:           e.lastError,
	}, nil
}

// Statuses returns a snapshot of every provider, sorted by ID.
func (r *Registry) Statuses() []ProviderStatus {
	ids := r.IDs()
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := r.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Overall health levels reported by SystemHealth.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Roll-up thresholds on the share of Healthy providers.
const (
	HealthyRatio  = 0.7
	DegradedRatio = 0.5
)

// SystemHealth is the aggregate view served by health endpoints.
type SystemHealth struct {
	Status         string  `json:"status"`
	Healthy        int     `json:"healthy"`
	Degraded       int     `json:"degraded"`
	Unavailable    int     `json:"unavailable"`
	Total          int     `json:"total"`
	HealthyRatio   float64 `json:"healthy_ratio"`
	CacheAvailable bool    `json:"cache_available"`
}

// SystemHealth rolls provider states up into one status. The system is
// healthy when at least 70% of providers are Healthy and the cache is up,
// degraded from 50%, unhealthy below.
func (r *Registry) SystemHealth(cacheAvailable bool) SystemHealth {
	sh := SystemHealth{CacheAvailable: cacheAvailable}

	for _, id := range r.IDs() {
		state, err := r.State(id)
		if err != nil {
			continue
		}
		switch state {
		case health.Healthy:
			sh.Healthy++
		case health.Degraded:
			sh.Degraded++
		default:
			sh.Unavailable++
		}
		sh.Total++
	}

	sh.HealthyRatio = float64(sh.Healthy) / float64(max(1, sh.Total))

	switch {
	case sh.HealthyRatio >= HealthyRatio && cacheAvailable:
		sh.Status = StatusHealthy
	case sh.HealthyRatio >= DegradedRatio:
		sh.Status = StatusDegraded
	default:
		sh.Status = StatusUnhealthy
	}
	return sh
}
