package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultMemorySize is the default entry capacity of a MemoryBackend.
	DefaultMemorySize = 10000

	// DefaultMemoryRetention bounds how long any key is kept in memory.
	DefaultMemoryRetention = time.Hour
)

type memoryItem struct {
	value    []byte
	deadline time.Time
}

// MemoryBackend is an in-process Backend: a size bounded LRU whose items also
// age out after a fixed retention. Per-key expiry passed to Set is honored on
// read.
type MemoryBackend struct {
	lru       *expirable.LRU[string, memoryItem]
	clock     clockwork.Clock
	evictions atomic.Int64
}

// NewMemoryBackend creates an in-memory backend. size <= 0 and retention <= 0
// use the defaults; a nil clock uses the real clock.
func NewMemoryBackend(size int, retention time.Duration, clock clockwork.Clock) *MemoryBackend {
	if size <= 0 {
		size = DefaultMemorySize
	}
	if retention <= 0 {
		retention = DefaultMemoryRetention
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryBackend{
		lru:   expirable.NewLRU[string, memoryItem](size, nil, retention),
		clock: clock,
	}
}

func (b *MemoryBackend) lookup(key string) ([]byte, bool) {
	item, ok := b.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !b.clock.Now().Before(item.deadline) {
		b.lru.Remove(key)
		return nil, false
	}
	return item.value, true
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := b.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// MGet implements Backend.
func (b *MemoryBackend) MGet(_ context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, key := range keys {
		out[i], _ = b.lookup(key)
	}
	return out, nil
}

// Set implements Backend.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, expiry time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	if b.lru.Add(key, memoryItem{value: stored, deadline: b.clock.Now().Add(expiry)}) {
		b.evictions.Add(1)
		CacheEvictions.Inc()
	}
	return nil
}

// SetMany implements Backend.
func (b *MemoryBackend) SetMany(ctx context.Context, items []Item) error {
	for _, item := range items {
		if err := b.Set(ctx, item.Key, item.Value, item.Expiry); err != nil {
			return err
		}
	}
	return nil
}

// Del implements Backend.
func (b *MemoryBackend) Del(_ context.Context, keys ...string) (int, error) {
	deleted := 0
	for _, key := range keys {
		if _, ok := b.lookup(key); ok {
			b.lru.Remove(key)
			deleted++
		}
	}
	return deleted, nil
}

// Scan implements Backend.
func (b *MemoryBackend) Scan(_ context.Context, prefix string, fn func(key string) error) error {
	for _, key := range b.lru.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements Backend.
func (b *MemoryBackend) Ping(context.Context) error { return nil }

// Evictions returns how many items were pushed out by the size bound.
func (b *MemoryBackend) Evictions() int64 {
	return b.evictions.Load()
}

// Len returns the number of items currently held.
func (b *MemoryBackend) Len() int {
	return b.lru.Len()
}
