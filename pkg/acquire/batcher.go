package acquire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jrdn-h/CA/pkg/provider"
	"github.com/jrdn-h/CA/pkg/registry"
)

// BatchConfig controls request batching for providers that implement
// provider.BatchFetcher.
type BatchConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
	MaxSize int           `yaml:"max_size"`
}

// DefaultBatchConfig collects for 50ms or 20 items, whichever comes first.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		Enabled: true,
		Window:  50 * time.Millisecond,
		MaxSize: 20,
	}
}

type batchOutcome struct {
	value []byte
	err   error
}

type pendingItem struct {
	item provider.Item
	done chan batchOutcome
}

// Batcher merges concurrent single-item fetches for one provider into
// FetchBatch calls. Items missing from a batch answer, or belonging to a
// failed batch, are retried with a single-item fetch.
type Batcher struct {
	mon       *registry.Monitor
	candidate registry.Candidate
	fetcher   provider.BatchFetcher
	cfg       BatchConfig
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []*pendingItem
	timer   clockwork.Timer
}

// NewBatcher creates a batcher for one provider.
func NewBatcher(mon *registry.Monitor, c registry.Candidate, bf provider.BatchFetcher, cfg BatchConfig, clock clockwork.Clock, logger zerolog.Logger) *Batcher {
	def := DefaultBatchConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Batcher{mon: mon, candidate: c, fetcher: bf, cfg: cfg, clock: clock, logger: logger}
}

// Fetch queues item and waits for its answer or for ctx to end.
func (b *Batcher) Fetch(ctx context.Context, item provider.Item) ([]byte, error) {
	p := &pendingItem{item: item, done: make(chan batchOutcome, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, p)
	var full []*pendingItem
	switch {
	case len(b.pending) >= b.cfg.MaxSize:
		full = b.takeLocked()
	case len(b.pending) == 1:
		b.timer = b.clock.AfterFunc(b.cfg.Window, b.flush)
	}
	b.mu.Unlock()

	if full != nil {
		go b.run(full)
	}

	select {
	case out := <-p.done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()

	if len(batch) > 0 {
		b.run(batch)
	}
}

func (b *Batcher) takeLocked() []*pendingItem {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	return batch
}

func (b *Batcher) run(batch []*pendingItem) {
	ctx := context.Background()
	batchSize.WithLabelValues(b.candidate.ID).Observe(float64(len(batch)))

	items := make([]provider.Item, len(batch))
	for i, p := range batch {
		items[i] = p.item
	}

	results, err := b.mon.CallBatch(ctx, b.candidate, b.fetcher, items)
	if errors.Is(err, registry.ErrThrottled) {
		for _, p := range batch {
			p.done <- batchOutcome{err: err}
		}
		return
	}

	var retry []*pendingItem
	for i, p := range batch {
		if results != nil && results[i].Err == nil && results[i].Value != nil {
			p.done <- batchOutcome{value: results[i].Value}
			continue
		}
		retry = append(retry, p)
	}
	if len(retry) == 0 {
		return
	}

	b.logger.Debug().
		Str("provider", b.candidate.ID).
		Int("batch", len(batch)).
		Int("retry", len(retry)).
		Msg("Batch incomplete, falling back to single fetches")

	var wg sync.WaitGroup
	for _, p := range retry {
		wg.Add(1)
		go func(p *pendingItem) {
			defer wg.Done()
			value, err := b.mon.Call(ctx, b.candidate, p.item.Metric, p.item.Asset, p.item.Params)
			p.done <- batchOutcome{value: value, err: err}
		}(p)
	}
	wg.Wait()
}
