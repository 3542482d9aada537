package warmer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrdn-h/CA/pkg/acquire"
)

var testStart = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// fakeAcquirer hands out entries with a fixed TTL stamped by the clock.
type fakeAcquirer struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	calls   map[string]int
	forced  int
	failing map[string]bool
	stale   bool
}

func newFakeAcquirer(clock clockwork.Clock, ttl time.Duration) *fakeAcquirer {
	return &fakeAcquirer{clock: clock, ttl: ttl, calls: map[string]int{}, failing: map[string]bool{}}
}

func (f *fakeAcquirer) Acquire(_ context.Context, req acquire.Request) (*acquire.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[req.Asset]++
	if req.ForceRefresh {
		f.forced++
	}
	if f.failing[req.Asset] {
		return nil, errors.New("all providers exhausted")
	}
	now := f.clock.Now()
	return &acquire.Result{Value: []byte("v"), Key: req.Key(), Provider: "p1", Stale: f.stale, StoredAt: now, ExpiresAt: now.Add(f.ttl)}, nil
}

func (f *fakeAcquirer) count(asset string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[asset]
}

func keys(assets ...string) []acquire.Request {
	out := make([]acquire.Request, len(assets))
	for i, a := range assets {
		out[i] = acquire.Request{Metric: "price", Asset: a}
	}
	return out
}

func newTestWarmer(t *testing.T, acq Acquirer, cfg Config) *Warmer {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	w, err := New(acq, cfg)
	require.NoError(t, err)
	return w
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	clock := clockwork.NewFakeClockAt(testStart)
	_, err = New(newFakeAcquirer(clock, time.Minute), Config{Keys: []acquire.Request{{Metric: "price"}}})
	assert.Error(t, err)
}

func TestWarmOnce_RefreshRatio(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	acq := newFakeAcquirer(clock, 10*time.Second)
	w := newTestWarmer(t, acq, Config{Keys: keys("BTC", "ETH"), Clock: clock})
	ctx := context.Background()

	assert.Equal(t, 2, w.WarmOnce(ctx), "first pass warms every key")

	clock.Advance(6 * time.Second)
	assert.Equal(t, 0, w.WarmOnce(ctx), "60%% of the TTL is not due yet")

	clock.Advance(time.Second)
	assert.Equal(t, 2, w.WarmOnce(ctx), "70%% of the TTL is due")

	assert.Equal(t, 2, acq.count("BTC"))
	assert.Equal(t, 4, acq.forced, "warm refreshes bypass the fresh cache")

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Runs)
	assert.Equal(t, int64(4), stats.Refreshed)
	assert.True(t, stats.LastRunAt.Equal(testStart.Add(7*time.Second)))
}

func TestWarmOnce_FixedInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	acq := newFakeAcquirer(clock, 10*time.Second)
	w := newTestWarmer(t, acq, Config{Keys: keys("BTC"), Interval: time.Minute, Clock: clock})
	ctx := context.Background()

	w.WarmOnce(ctx)
	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, w.WarmOnce(ctx))
	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, w.WarmOnce(ctx))
}

func TestWarmOnce_FailuresAreRetriedNotPropagated(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	acq := newFakeAcquirer(clock, time.Minute)
	acq.failing["ETH"] = true
	w := newTestWarmer(t, acq, Config{Keys: keys("BTC", "ETH"), Clock: clock})
	ctx := context.Background()

	assert.Equal(t, 1, w.WarmOnce(ctx))
	assert.Equal(t, 0, w.WarmOnce(ctx), "BTC is fresh")
	assert.Equal(t, 2, acq.count("ETH"), "failed key is retried on the next pass")
	assert.Equal(t, int64(2), w.Stats().Failures)
}

func TestWarmOnce_StaleCountsAsFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	acq := newFakeAcquirer(clock, time.Minute)
	acq.stale = true
	w := newTestWarmer(t, acq, Config{Keys: keys("BTC"), Clock: clock})

	assert.Equal(t, 0, w.WarmOnce(context.Background()))
	assert.Equal(t, int64(1), w.Stats().Failures)
}

func TestRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testStart)
	acq := newFakeAcquirer(clock, 10*time.Second)
	w := newTestWarmer(t, acq, Config{Keys: keys("BTC"), Tick: time.Second, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, acq.count("BTC"))

	for i := 0; i < 7; i++ {
		clock.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return acq.count("BTC") == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_NoKeys(t *testing.T) {
	w := newTestWarmer(t, newFakeAcquirer(clockwork.NewRealClock(), time.Minute), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, w.Run(ctx))
}
