package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jrdn-h/CA/pkg/health"
	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/provider"
	"github.com/jrdn-h/CA/pkg/ratelimit"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// CallTimeout bounds every provider call; a timeout counts as a failure.
	CallTimeout time.Duration

	// ProbeInterval is the tick of the recovery loop.
	ProbeInterval time.Duration

	// ProbeTimeout bounds every probe.
	ProbeTimeout time.Duration

	// ProbeBackoff spaces out probes of a provider that keeps failing them.
	ProbeBackoff BackoffConfig

	// DefaultProbeAsset is used when a registration names none.
	DefaultProbeAsset string

	// RateLimits, when set, gates every call.
	RateLimits *ratelimit.Tracker

	Clock  clockwork.Clock
	Logger *zerolog.Logger
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CallTimeout:       10 * time.Second,
		ProbeInterval:     5 * time.Second,
		ProbeTimeout:      5 * time.Second,
		ProbeBackoff:      DefaultBackoffConfig(),
		DefaultProbeAsset: "BTC",
	}
}

type probeSchedule struct {
	attempts int
	next     time.Time
}

// Monitor instruments provider calls and runs recovery probes.
type Monitor struct {
	reg    *Registry
	cfg    MonitorConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	schedule map[string]*probeSchedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for reg. Zero fields of cfg, including those
// of ProbeBackoff, take defaults.
func NewMonitor(reg *Registry, cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	cfg.ProbeBackoff = cfg.ProbeBackoff.withDefaults()
	if cfg.DefaultProbeAsset == "" {
		cfg.DefaultProbeAsset = def.DefaultProbeAsset
	}
	if cfg.Clock == nil {
		cfg.Clock = reg.clock
	}
	logger := logging.NewLogger("monitor")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Monitor{
		reg:      reg,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger,
		schedule: make(map[string]*probeSchedule),
	}
}

// Registry returns the registry the monitor reports to.
func (m *Monitor) Registry() *Registry { return m.reg }

// Call fetches through c with the per-call timeout and records the outcome.
// It returns ErrThrottled, without touching health, when the local rate
// limiter refuses the call.
func (m *Monitor) Call(ctx context.Context, c Candidate, metric, asset string, params map[string]string) ([]byte, error) {
	if err := m.admit(c.ID); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	start := m.clock.Now()
	value, err := c.Provider.Fetch(callCtx, metric, asset, params)
	m.record(ctx, c.ID, m.clock.Since(start), err)
	if err != nil {
		return nil, provider.AsError(c.ID, err)
	}
	return value, nil
}

// CallBatch is Call for a batch. The batch counts as one call: a success if
// any item succeeded.
func (m *Monitor) CallBatch(ctx context.Context, c Candidate, bf provider.BatchFetcher, items []provider.Item) ([]provider.BatchResult, error) {
	if err := m.admit(c.ID); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	start := m.clock.Now()
	results := bf.FetchBatch(callCtx, items)
	elapsed := m.clock.Since(start)

	if len(results) != len(items) {
		err := provider.NewError(c.ID, provider.ErrorClassMalformed,
			fmt.Errorf("batch returned %d results for %d items", len(results), len(items)))
		m.record(ctx, c.ID, elapsed, err)
		return nil, err
	}

	var firstErr error
	for _, r := range results {
		if r.Err == nil {
			m.record(ctx, c.ID, elapsed, nil)
			return results, nil
		}
		if firstErr == nil {
			firstErr = r.Err
		}
	}
	m.record(ctx, c.ID, elapsed, firstErr)
	return results, provider.AsError(c.ID, firstErr)
}

func (m *Monitor) admit(id string) error {
	if m.cfg.RateLimits == nil {
		return nil
	}
	if ok, wait := m.cfg.RateLimits.Allow(id); !ok {
		providerRequestsTotal.WithLabelValues(id, "throttled").Inc()
		return fmt.Errorf("%w: %s (retry in %s)", ErrThrottled, id, wait)
	}
	return nil
}

func (m *Monitor) record(ctx context.Context, id string, elapsed time.Duration, err error) {
	providerRequestDuration.WithLabelValues(id).Observe(elapsed.Seconds())

	if err == nil {
		providerRequestsTotal.WithLabelValues(id, "success").Inc()
		_ = m.reg.RecordSuccess(id, elapsed)
		return
	}

	providerRequestsTotal.WithLabelValues(id, "failure").Inc()
	_ = m.reg.RecordFailure(id, err)

	var perr *provider.Error
	if m.cfg.RateLimits != nil && errors.As(err, &perr) && perr.Class == provider.ErrorClassRateLimit {
		m.cfg.RateLimits.Block(context.WithoutCancel(ctx), id, perr.RetryAfter)
	}

	m.logger.Debug().
		Err(err).
		Str("provider", id).
		Str("error_class", string(provider.Classify(err))).
		Dur("duration", elapsed).
		Msg("Provider call failed")
}

// Start runs the recovery loop until ctx is cancelled or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Close stops the recovery loop and waits for it to exit.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.cfg.ProbeInterval).Msg("Health monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-ticker.Chan():
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every provider that is due: Unavailable providers get a
// recovery probe, Degraded providers with a health check endpoint get a
// health check. It returns the number of probes run.
func (m *Monitor) ProbeOnce(ctx context.Context) int {
	now := m.clock.Now()
	probed := 0

	for _, id := range m.reg.IDs() {
		state, err := m.reg.State(id)
		if err != nil {
			continue
		}

		e, err := m.reg.lookup(id)
		if err != nil {
			continue
		}
		_, canCheck := e.provider.(provider.HealthChecker)

		switch {
		case state == health.Unavailable:
		case state == health.Degraded && canCheck:
		default:
			m.resetSchedule(id)
			continue
		}

		if !m.due(id, now) {
			continue
		}

		probed++
		perr := m.probe(ctx, id, e)
		_ = m.reg.RecordProbe(id, perr)
		m.reschedule(id, now, perr)
	}
	return probed
}

func (m *Monitor) probe(ctx context.Context, id string, e *entry) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if hc, ok := e.provider.(provider.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}

	e.mu.Lock()
	asset := e.probeAsset
	metric := ""
	if len(e.caps) > 0 {
		metric = e.caps[0]
	}
	e.mu.Unlock()

	if asset == "" {
		asset = m.cfg.DefaultProbeAsset
	}
	_, err := e.provider.Fetch(ctx, metric, asset, nil)
	return err
}

func (m *Monitor) due(id string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedule[id]
	return !ok || !now.Before(s.next)
}

func (m *Monitor) reschedule(id string, now time.Time, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if probeErr == nil {
		delete(m.schedule, id)
		m.logger.Info().Str("provider", id).Msg("Recovery probe succeeded")
		return
	}

	s, ok := m.schedule[id]
	if !ok {
		s = &probeSchedule{}
		m.schedule[id] = s
	}
	s.attempts++
	delay := m.cfg.ProbeBackoff.withJitter(m.cfg.ProbeBackoff.Delay(s.attempts))
	s.next = now.Add(delay)

	probeBackoffSeconds.WithLabelValues(id).Observe(delay.Seconds())
	m.logger.Debug().
		Err(probeErr).
		Str("provider", id).
		Int("attempt", s.attempts).
		Dur("backoff", delay).
		Msg("Recovery probe failed")
}

func (m *Monitor) resetSchedule(id string) {
	m.mu.Lock()
	delete(m.schedule, id)
	m.mu.Unlock()
}
