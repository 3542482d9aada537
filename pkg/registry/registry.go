// Package registry owns the set of upstream providers, their priorities per
// metric family, and their health. All health mutations go through Registry
// methods; each provider has its own lock so failover never contends across
// providers.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jrdn-h/CA/pkg/health"
	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/provider"
)

// DefaultLatencyAlpha is the EWMA weight of the newest latency sample.
const DefaultLatencyAlpha = 0.2

// Config configures a Registry.
type Config struct {
	Thresholds   health.Thresholds
	LatencyAlpha float64
	Clock        clockwork.Clock
	Logger       *zerolog.Logger
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds:   health.DefaultThresholds(),
		LatencyAlpha: DefaultLatencyAlpha,
	}
}

// Registration adds one provider to one family.
type Registration struct {
	Family       string
	Provider     provider.Provider
	Priority     int
	Capabilities []string

	// ProbeAsset is fetched by recovery probes of providers without a health
	// check endpoint.
	ProbeAsset string
}

// Candidate is a provider selected for a metric, in try order.
type Candidate struct {
	ID       string
	Provider provider.Provider
	Family   string
	Priority int
	State    health.State
}

type member struct {
	id           string
	priority     int
	capabilities map[string]struct{}
}

type entry struct {
	mu sync.Mutex

	provider   provider.Provider
	machine    *health.Machine
	probeAsset string
	caps       []string

	latency       time.Duration
	successes     int64
	failures      int64
	lastSuccessAt time.Time
	lastFailureAt time.Time
	lastProbeAt   time.Time
	lastError     string
}

// Registry is the provider registry. It is safe for concurrent use.
type Registry struct {
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	families map[string][]member
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Thresholds == (health.Thresholds{}) {
		cfg.Thresholds = health.DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = DefaultLatencyAlpha
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("registry")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Registry{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger,
		entries:  make(map[string]*entry),
		families: make(map[string][]member),
	}, nil
}

// Register adds a provider to a family. The same provider may join several
// families; its health is shared between them. Priorities are unique per family.
func (r *Registry) Register(reg Registration) error {
	if reg.Provider == nil {
		return &ConfigurationError{Family: reg.Family, Reason: "provider is nil"}
	}
	id := reg.Provider.ID()
	if id == "" {
		return &ConfigurationError{Family: reg.Family, Reason: "provider id is empty"}
	}
	if reg.Family == "" {
		return &ConfigurationError{Provider: id, Reason: "family is empty"}
	}
	if len(reg.Capabilities) == 0 {
		return &ConfigurationError{Family: reg.Family, Provider: id, Reason: "no capabilities"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.families[reg.Family] {
		if m.id == id {
			return &ConfigurationError{Family: reg.Family, Provider: id, Reason: "already registered"}
		}
		if m.priority == reg.Priority {
			return &ConfigurationError{
				Family:   reg.Family,
				Provider: id,
				Reason:   fmt.Sprintf("priority %d already used by %q", reg.Priority, m.id),
			}
		}
	}

	e, ok := r.entries[id]
	if !ok {
		e = &entry{provider: reg.Provider, machine: health.NewMachine(r.cfg.Thresholds)}
		r.entries[id] = e
		providerHealthState.WithLabelValues(id).Set(float64(health.Healthy))
	}
	if reg.ProbeAsset != "" {
		e.probeAsset = reg.ProbeAsset
	}

	caps := make(map[string]struct{}, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		caps[c] = struct{}{}
		e.caps = appendUnique(e.caps, c)
	}
	r.families[reg.Family] = append(r.families[reg.Family], member{id: id, priority: reg.Priority, capabilities: caps})

	r.logger.Info().
		Str("family", reg.Family).
		Str("provider", id).
		Int("priority", reg.Priority).
		Strs("capabilities", reg.Capabilities).
		Msg("Registered provider")
	return nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Resolve returns the eligible providers for metric: Unavailable ones are
// excluded, Healthy ones come before Degraded ones, then priority ascending.
func (r *Registry) Resolve(metric string) []Candidate {
	r.mu.RLock()
	byID := make(map[string]Candidate)
	for family, members := range r.families {
		for _, m := range members {
			if _, ok := m.capabilities[metric]; !ok {
				continue
			}
			if prev, ok := byID[m.id]; ok && prev.Priority <= m.priority {
				continue
			}
			byID[m.id] = Candidate{ID: m.id, Provider: r.entries[m.id].provider, Family: family, Priority: m.priority}
		}
	}
	entries := r.entries
	r.mu.RUnlock()

	candidates := make([]Candidate, 0, len(byID))
	for id, c := range byID {
		e := entries[id]
		e.mu.Lock()
		c.State = e.machine.State()
		e.mu.Unlock()

		if c.State.Eligible() {
			candidates = append(candidates, c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.State != b.State {
			return a.State < b.State
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return candidates
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return e, nil
}

// RecordSuccess counts a successful live call that took latency.
func (r *Registry) RecordSuccess(id string, latency time.Duration) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.successes++
	e.lastSuccessAt = r.clock.Now()
	r.observeLatency(e, latency)
	from, to := e.machine.Fire(health.EventSuccess)
	e.mu.Unlock()

	r.transitioned(id, health.EventSuccess, from, to, nil)
	return nil
}

// RecordFailure counts a failed live call. Timeouts and upstream rate limits
// are failures too.
func (r *Registry) RecordFailure(id string, cause error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.failures++
	e.lastFailureAt = r.clock.Now()
	if cause != nil {
		e.lastError = cause.Error()
	}
	from, to := e.machine.Fire(health.EventFailure)
	e.mu.Unlock()

	r.transitioned(id, health.EventFailure, from, to, cause)
	return nil
}

// RecordProbe records the outcome of a recovery probe or explicit health
// check; cause is nil on success.
func (r *Registry) RecordProbe(id string, cause error) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	ev := health.EventProbeSuccess
	if cause != nil {
		ev = health.EventProbeFailure
	}

	e.mu.Lock()
	e.lastProbeAt = r.clock.Now()
	if cause != nil {
		e.lastError = cause.Error()
	}
	from, to := e.machine.Fire(ev)
	e.mu.Unlock()

	result := "success"
	if cause != nil {
		result = "failure"
	}
	providerProbesTotal.WithLabelValues(id, result).Inc()

	r.transitioned(id, ev, from, to, cause)
	return nil
}

// Override forces a provider into state and clears its counters.
func (r *Registry) Override(id string, state health.State) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	from := e.machine.State()
	e.machine.Override(state)
	e.mu.Unlock()

	r.logger.Warn().Str("provider", id).Str("from", from.String()).Str("state", state.String()).Msg("Provider health overridden by operator")
	r.setState(id, from, state)
	return nil
}

// ResetAll overrides every provider back to Healthy.
func (r *Registry) ResetAll() {
	for _, id := range r.IDs() {
		_ = r.Override(id, health.Healthy)
	}
	r.logger.Info().Msg("All provider health states reset")
}

// State returns the health state of a provider.
func (r *Registry) State(id string) (health.State, error) {
	e, err := r.lookup(id)
	if err != nil {
		return health.Healthy, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.State(), nil
}

// IDs returns all registered provider IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) observeLatency(e *entry, latency time.Duration) {
	if latency <= 0 {
		return
	}
	if e.latency == 0 {
		e.latency = latency
		return
	}
	alpha := r.cfg.LatencyAlpha
	e.latency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(e.latency))
}

func (r *Registry) transitioned(id string, ev health.Event, from, to health.State, cause error) {
	if from == to {
		return
	}

	logEvent := r.logger.Info()
	switch to {
	case health.Degraded:
		logEvent = r.logger.Warn()
	case health.Unavailable:
		logEvent = r.logger.Error()
	}
	if cause != nil {
		logEvent = logEvent.Err(cause)
	}
	logEvent.
		Str("provider", id).
		Str("event", ev.String()).
		Str("from", from.String()).
		Str("state", to.String()).
		Msg("Provider health state changed")

	r.setState(id, from, to)
}

func (r *Registry) setState(id string, from, to health.State) {
	providerHealthState.WithLabelValues(id).Set(float64(to))
	if from != to {
		providerTransitionsTotal.WithLabelValues(id, from.String(), to.String()).Inc()
	}
}
