package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Backend when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Item is one write in a batch.
type Item struct {
	Key    string
	Value  []byte
	Expiry time.Duration
}

// Backend is the storage contract behind a Store. Any error other than
// ErrNotFound is treated as the backend being unreachable.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet returns one slot per key, nil for keys that do not exist.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// Set stores value; the backend drops it after expiry.
	Set(ctx context.Context, key string, value []byte, expiry time.Duration) error
	SetMany(ctx context.Context, items []Item) error

	// Del removes keys and reports how many existed.
	Del(ctx context.Context, keys ...string) (int, error)

	// Scan calls fn for every key starting with prefix.
	Scan(ctx context.Context, prefix string, fn func(key string) error) error

	Ping(ctx context.Context) error
}
