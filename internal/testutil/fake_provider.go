package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jrdn-h/CA/pkg/provider"
)

// ErrFakeDown is returned by a failing FakeProvider.
var ErrFakeDown = errors.New("fake provider down")

// FakeProvider is a scriptable in-memory provider. Values are
// "<id>:<metric>:<asset>" unless overridden with SetValue.
type FakeProvider struct {
	Name string

	calls      atomic.Int32
	batchCalls atomic.Int32
	failing    atomic.Bool

	mu     sync.Mutex
	err    error
	values map[string][]byte
	gate   chan struct{}
	start  chan struct{}
}

// NewFakeProvider creates a healthy fake provider.
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{Name: name, values: make(map[string][]byte)}
}

// ID implements provider.Provider.
func (f *FakeProvider) ID() string { return f.Name }

// Fetch implements provider.Provider.
func (f *FakeProvider) Fetch(ctx context.Context, metric, asset string, _ map[string]string) ([]byte, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.answer(metric, asset)
}

// SetFailing makes every call fail with err, or ErrFakeDown when err is nil.
func (f *FakeProvider) SetFailing(failing bool, err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.failing.Store(failing)
}

// SetValue overrides the value returned for metric and asset.
func (f *FakeProvider) SetValue(metric, asset string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[metric+":"+asset] = value
}

// Hold makes calls block until Release. The returned channel receives once
// per call that starts waiting.
func (f *FakeProvider) Hold() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.start = make(chan struct{}, 64)
	return f.start
}

// Release unblocks held calls.
func (f *FakeProvider) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Calls returns the number of Fetch calls.
func (f *FakeProvider) Calls() int { return int(f.calls.Load()) }

// BatchCalls returns the number of FetchBatch calls on a BatchingFakeProvider.
func (f *FakeProvider) BatchCalls() int { return int(f.batchCalls.Load()) }

func (f *FakeProvider) wait(ctx context.Context) error {
	f.mu.Lock()
	gate, start := f.gate, f.start
	f.mu.Unlock()
	if gate == nil {
		return nil
	}

	select {
	case start <- struct{}{}:
	default:
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeProvider) answer(metric, asset string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing.Load() {
		if f.err != nil {
			return nil, f.err
		}
		return nil, ErrFakeDown
	}
	if v, ok := f.values[metric+":"+asset]; ok {
		return v, nil
	}
	return []byte(fmt.Sprintf("%s:%s:%s", f.Name, metric, asset)), nil
}

// BatchingFakeProvider is a FakeProvider that also implements
// provider.BatchFetcher.
type BatchingFakeProvider struct {
	*FakeProvider
}

// NewBatchingFakeProvider creates a healthy batching fake provider.
func NewBatchingFakeProvider(name string) BatchingFakeProvider {
	return BatchingFakeProvider{NewFakeProvider(name)}
}

// FetchBatch implements provider.BatchFetcher.
func (b BatchingFakeProvider) FetchBatch(ctx context.Context, items []provider.Item) []provider.BatchResult {
	b.batchCalls.Add(1)
	out := make([]provider.BatchResult, len(items))
	if err := b.wait(ctx); err != nil {
		for i := range out {
			out[i].Err = err
		}
		return out
	}
	for i, item := range items {
		out[i].Value, out[i].Err = b.answer(item.Metric, item.Asset)
	}
	return out
}
