// Package warmer keeps configured hot keys fresh by re-fetching them before
// their cache entries expire.
package warmer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jrdn-h/CA/pkg/acquire"
	"github.com/jrdn-h/CA/pkg/logging"
)

// Defaults for Config.
const (
	DefaultRefreshRatio = 0.7
	DefaultTick         = time.Second
	DefaultConcurrency  = 4
)

var (
	warmerRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metricd_warmer_runs_total",
		Help: "Total number of warmer passes",
	})

	warmerRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_warmer_refreshes_total",
		Help: "Total number of hot key refreshes by result",
	}, []string{"result"}) // "success", "failure"
)

// Acquirer is the part of the coordinator the warmer drives.
type Acquirer interface {
	Acquire(ctx context.Context, req acquire.Request) (*acquire.Result, error)
}

// Config configures a Warmer.
type Config struct {
	Keys []acquire.Request

	// RefreshRatio is the fraction of an entry's TTL after which it is
	// refreshed. Ignored when Interval is set.
	RefreshRatio float64

	// Interval, when positive, refreshes every key on a fixed period.
	Interval time.Duration

	// Tick is how often the loop checks for due keys.
	Tick time.Duration

	// Concurrency bounds parallel refreshes in one pass.
	Concurrency int

	Clock  clockwork.Clock
	Logger *zerolog.Logger
}

// Stats counts warmer activity.
type Stats struct {
	Runs      int64     `json:"runs"`
	Refreshed int64     `json:"refreshed"`
	Failures  int64     `json:"failures"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
}

type keyState struct {
	lastWarm time.Time
	ttl      time.Duration
	failures int
}

// Warmer refreshes hot keys. It never returns fetch errors; failed keys are
// retried on the next pass and their previous entries expire naturally.
type Warmer struct {
	acq    Acquirer
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	mu    sync.Mutex
	state map[string]*keyState
	last  time.Time

	runs      atomic.Int64
	refreshed atomic.Int64
	failures  atomic.Int64
}

// New creates a warmer.
func New(acq Acquirer, cfg Config) (*Warmer, error) {
	if acq == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "warmer needs an acquirer")
	}
	if cfg.RefreshRatio <= 0 || cfg.RefreshRatio > 1 {
		cfg.RefreshRatio = DefaultRefreshRatio
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Interval > 0 && cfg.Interval < cfg.Tick {
		cfg.Tick = cfg.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("warmer")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	for _, k := range cfg.Keys {
		if k.Metric == "" || k.Asset == "" {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "warm key needs metric and asset (got %q/%q)", k.Metric, k.Asset)
		}
	}

	return &Warmer{
		acq:    acq,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: logger,
		state:  make(map[string]*keyState, len(cfg.Keys)),
	}, nil
}

// Run warms immediately and then on every tick until ctx is cancelled.
func (w *Warmer) Run(ctx context.Context) error {
	if len(w.cfg.Keys) == 0 {
		<-ctx.Done()
		return nil
	}

	w.logger.Info().Int("keys", len(w.cfg.Keys)).Dur("tick", w.cfg.Tick).Msg("Cache warmer started")

	w.WarmOnce(ctx)

	ticker := w.clock.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Cache warmer stopped")
			return nil
		case <-ticker.Chan():
			w.WarmOnce(ctx)
		}
	}
}

// WarmOnce refreshes every due key and returns how many succeeded.
func (w *Warmer) WarmOnce(ctx context.Context) int {
	now := w.clock.Now()
	w.runs.Add(1)
	warmerRunsTotal.Inc()

	w.mu.Lock()
	w.last = now
	w.mu.Unlock()

	var ok atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	for _, req := range w.cfg.Keys {
		if !w.due(req.Key(), now) {
			continue
		}
		g.Go(func() error {
			if w.refresh(gctx, req) {
				ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(ok.Load())
}

func (w *Warmer) due(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.state[key]
	if !ok || st.lastWarm.IsZero() {
		return true
	}
	if w.cfg.Interval > 0 {
		return !now.Before(st.lastWarm.Add(w.cfg.Interval))
	}
	wait := time.Duration(float64(st.ttl) * w.cfg.RefreshRatio)
	return !now.Before(st.lastWarm.Add(wait))
}

func (w *Warmer) refresh(ctx context.Context, req acquire.Request) bool {
	req.ForceRefresh = true
	key := req.Key()

	res, err := w.acq.Acquire(ctx, req)

	w.mu.Lock()
	st, ok := w.state[key]
	if !ok {
		st = &keyState{}
		w.state[key] = st
	}
	if err != nil || res.Stale {
		st.failures++
		failures := st.failures
		w.mu.Unlock()

		w.failures.Add(1)
		warmerRefreshesTotal.WithLabelValues("failure").Inc()
		event := w.logger.Warn().Str("key", key).Int("failures", failures)
		if err != nil {
			event = event.Err(err)
		} else {
			event = event.Str("provider", res.Provider).Bool("stale", true)
		}
		event.Msg("Failed to warm key")
		return false
	}

	ttl := res.ExpiresAt.Sub(res.StoredAt)
	st.lastWarm = res.StoredAt
	st.ttl = ttl
	st.failures = 0
	w.mu.Unlock()

	w.refreshed.Add(1)
	warmerRefreshesTotal.WithLabelValues("success").Inc()
	w.logger.Debug().Str("key", key).Str("provider", res.Provider).Dur("ttl", ttl).Msg("Warmed key")
	return true
}

// Stats returns a snapshot of the warmer counters.
func (w *Warmer) Stats() Stats {
	w.mu.Lock()
	last := w.last
	w.mu.Unlock()

	return Stats{
		Runs:      w.runs.Load(),
		Refreshed: w.refreshed.Load(),
		Failures:  w.failures.Load(),
		LastRunAt: last,
	}
}
