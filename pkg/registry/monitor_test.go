package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrdn-h/CA/pkg/health"
	"github.com/jrdn-h/CA/pkg/provider"
	"github.com/jrdn-h/CA/pkg/ratelimit"
)

// scripted fails while failing is set and counts calls.
type scripted struct {
	id      string
	failing atomic.Bool
	calls   atomic.Int32
	err     error
}

func (s *scripted) ID() string { return s.id }

func (s *scripted) Fetch(ctx context.Context, metric, asset string, _ map[string]string) ([]byte, error) {
	s.calls.Add(1)
	if s.failing.Load() {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("upstream down")
	}
	return []byte(metric + ":" + asset), nil
}

// checked adds a health check endpoint.
type checked struct {
	scripted
	healthy atomic.Bool
	checks  atomic.Int32
}

func (c *checked) HealthCheck(context.Context) error {
	c.checks.Add(1)
	if c.healthy.Load() {
		return nil
	}
	return errors.New("health endpoint down")
}

// slow blocks until its context ends.
type slow struct{ id string }

func (s slow) ID() string { return s.id }
func (s slow) Fetch(ctx context.Context, _, _ string, _ map[string]string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestMonitor(t *testing.T, cfg MonitorConfig) (*Registry, *Monitor, *clockwork.FakeClock) {
	t.Helper()
	r, clock := newTestRegistry(t)
	logger := zerolog.Nop()
	cfg.Clock = clock
	cfg.Logger = &logger
	cfg.ProbeBackoff = BackoffConfig{Initial: 10 * time.Second, Max: time.Minute, Multiplier: 2}
	return r, NewMonitor(r, cfg), clock
}

func candidate(t *testing.T, r *Registry, id string) Candidate {
	t.Helper()
	for _, c := range r.Resolve("price") {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("provider %s not resolvable", id)
	return Candidate{}
}

func TestMonitor_CallRecordsOutcome(t *testing.T) {
	r, m, _ := newTestMonitor(t, MonitorConfig{})
	p := &scripted{id: "p1"}
	require.NoError(t, r.Register(Registration{Family: "market", Provider: p, Priority: 1, Capabilities: []string{"price"}}))
	c := candidate(t, r, "p1")

	value, err := m.Call(context.Background(), c, "price", "BTC", nil)
	require.NoError(t, err)
	assert.Equal(t, "price:BTC", string(value))

	p.failing.Store(true)
	_, err = m.Call(context.Background(), c, "price", "BTC", nil)
	require.Error(t, err)

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "p1", perr.Provider)
	assert.Equal(t, provider.ErrorClassUpstream, perr.Class)

	st, _ := r.Status("p1")
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(1), st.Failures)
}

func TestMonitor_CallTimeoutCountsAsFailure(t *testing.T) {
	r, m, _ := newTestMonitor(t, MonitorConfig{CallTimeout: 20 * time.Millisecond})
	require.NoError(t, r.Register(Registration{Family: "market", Provider: slow{id: "slow"}, Priority: 1, Capabilities: []string{"price"}}))

	_, err := m.Call(context.Background(), candidate(t, r, "slow"), "price", "BTC", nil)
	require.Error(t, err)
	assert.Equal(t, provider.ErrorClassTimeout, provider.Classify(err))

	st, _ := r.Status("slow")
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestMonitor_ThrottledCallIsNotAFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := ratelimit.NewTracker(ratelimit.Config{Clock: clock, Logger: zerolog.Nop()})
	r, m, _ := newTestMonitor(t, MonitorConfig{RateLimits: tracker})
	p := &scripted{id: "p1", err: provider.RateLimited("p1", time.Minute, errors.New("429"))}
	require.NoError(t, r.Register(Registration{Family: "market", Provider: p, Priority: 1, Capabilities: []string{"price"}}))
	c := candidate(t, r, "p1")

	p.failing.Store(true)
	_, err := m.Call(context.Background(), c, "price", "BTC", nil)
	assert.Equal(t, provider.ErrorClassRateLimit, provider.Classify(err))

	_, err = m.Call(context.Background(), c, "price", "BTC", nil)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, int32(1), p.calls.Load(), "blocked provider must not be called")

	st, _ := r.Status("p1")
	assert.Equal(t, 1, st.ConsecutiveFailures, "upstream 429 counts once, the local skip does not")
}

type batchStub struct {
	scripted
	results []provider.BatchResult
}

func (b *batchStub) FetchBatch(context.Context, []provider.Item) []provider.BatchResult {
	return b.results
}

func TestMonitor_CallBatch(t *testing.T) {
	r, m, _ := newTestMonitor(t, MonitorConfig{})
	b := &batchStub{scripted: scripted{id: "b"}}
	require.NoError(t, r.Register(Registration{Family: "market", Provider: b, Priority: 1, Capabilities: []string{"price"}}))
	c := candidate(t, r, "b")
	items := []provider.Item{{Metric: "price", Asset: "BTC"}, {Metric: "price", Asset: "ETH"}}

	b.results = []provider.BatchResult{{Value: []byte("1")}, {Err: errors.New("unknown symbol")}}
	results, err := m.CallBatch(context.Background(), c, b, items)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	b.results = []provider.BatchResult{{Err: errors.New("down")}, {Err: errors.New("down")}}
	_, err = m.CallBatch(context.Background(), c, b, items)
	assert.Error(t, err)

	b.results = []provider.BatchResult{{Value: []byte("1")}}
	_, err = m.CallBatch(context.Background(), c, b, items)
	assert.Equal(t, provider.ErrorClassMalformed, provider.Classify(err))

	st, _ := r.Status("b")
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(2), st.Failures)
}

func TestMonitor_RecoveryProbeWithBackoff(t *testing.T) {
	r, m, clock := newTestMonitor(t, MonitorConfig{})
	p := &scripted{id: "p1"}
	require.NoError(t, r.Register(Registration{Family: "market", Provider: p, Priority: 1, Capabilities: []string{"price"}, ProbeAsset: "ETH"}))
	require.NoError(t, r.Override("p1", health.Unavailable))
	p.failing.Store(true)
	ctx := context.Background()

	assert.Equal(t, 1, m.ProbeOnce(ctx), "unavailable provider is probed immediately")
	assert.Equal(t, 0, m.ProbeOnce(ctx), "failed probe backs off")

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, m.ProbeOnce(ctx))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 0, m.ProbeOnce(ctx), "second failure doubles the delay")

	p.failing.Store(false)
	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, m.ProbeOnce(ctx))

	state, _ := r.State("p1")
	assert.Equal(t, health.Degraded, state, "one successful probe moves unavailable to degraded")
	assert.Equal(t, 0, m.ProbeOnce(ctx), "degraded providers without a health check are left to live traffic")
}

func TestMonitor_HealthCheckOnDegraded(t *testing.T) {
	r, m, _ := newTestMonitor(t, MonitorConfig{})
	p := &checked{scripted: scripted{id: "p1"}}
	require.NoError(t, r.Register(Registration{Family: "market", Provider: p, Priority: 1, Capabilities: []string{"price"}}))
	ctx := context.Background()

	assert.Equal(t, 0, m.ProbeOnce(ctx), "healthy providers are not probed")

	require.NoError(t, r.Override("p1", health.Degraded))
	assert.Equal(t, 1, m.ProbeOnce(ctx))

	state, _ := r.State("p1")
	assert.Equal(t, health.Unavailable, state, "failed health check while degraded makes the provider unavailable")
	assert.Equal(t, int32(0), p.calls.Load(), "health check providers are not probed with a fetch")
}

func TestMonitor_StartClose(t *testing.T) {
	r, m, clock := newTestMonitor(t, MonitorConfig{ProbeInterval: time.Second})
	p := &checked{scripted: scripted{id: "p1"}}
	p.healthy.Store(true)
	require.NoError(t, r.Register(Registration{Family: "market", Provider: p, Priority: 1, Capabilities: []string{"price"}}))
	require.NoError(t, r.Override("p1", health.Unavailable))

	m.Start(context.Background())
	defer m.Close()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		state, _ := r.State("p1")
		return state == health.Degraded
	}, time.Second, 5*time.Millisecond)
}

func TestBackoffConfig_Delay(t *testing.T) {
	c := BackoffConfig{Initial: 5 * time.Second, Max: 30 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{50, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	jittered := BackoffConfig{Jitter: 0.2}.withJitter(10 * time.Second)
	assert.GreaterOrEqual(t, jittered, 8*time.Second)
	assert.LessOrEqual(t, jittered, 12*time.Second)
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	def := DefaultBackoffConfig()

	partial := BackoffConfig{Initial: 2 * time.Second}.withDefaults()
	assert.Equal(t, 2*time.Second, partial.Initial)
	assert.Equal(t, def.Max, partial.Max)
	assert.Equal(t, def.Multiplier, partial.Multiplier)
	assert.Equal(t, 4*time.Second, partial.Delay(2), "later probes must back off")

	shrinking := BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 0.5}.withDefaults()
	assert.Equal(t, def.Multiplier, shrinking.Multiplier)

	inverted := BackoffConfig{Initial: time.Minute, Max: time.Second, Multiplier: 2}.withDefaults()
	assert.Equal(t, time.Minute, inverted.Max)
}

func TestNewMonitor_PartialBackoff(t *testing.T) {
	r, _ := newTestRegistry(t)
	m := NewMonitor(r, MonitorConfig{ProbeBackoff: BackoffConfig{Initial: 3 * time.Second}})

	for attempt := 2; attempt <= 5; attempt++ {
		assert.Greater(t, m.cfg.ProbeBackoff.Delay(attempt), m.cfg.ProbeBackoff.Delay(attempt-1), "attempt %d", attempt)
	}
}
