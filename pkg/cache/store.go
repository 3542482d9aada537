package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/jrdn-h/CA/pkg/logging"
	"github.com/jrdn-h/CA/pkg/ttl"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache or is no longer fresh
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrCacheUnavailable indicates the backend could not be reached.
	// It is never fatal: callers treat it as a miss and carry on.
	ErrCacheUnavailable = platformerrors.New(platformerrors.CodeUnavailable, "cache backend unavailable")
)

const (
	// DefaultStaleRetention is how long an entry outlives its TTL in the backend.
	DefaultStaleRetention = 30 * time.Minute

	// DefaultCompressThreshold is the encoded size above which envelopes are compressed.
	DefaultCompressThreshold = 4096

	walkBatch = 256
)

// Config configures a Store.
type Config struct {
	Backend Backend

	// StaleRetention is added to the TTL when writing to the backend so that
	// expired entries remain readable through GetStale.
	StaleRetention time.Duration

	// CompressThreshold in bytes; negative disables compression.
	CompressThreshold int

	Clock  clockwork.Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration backed by an in-memory LRU.
func DefaultConfig() Config {
	return Config{
		Backend:           NewMemoryBackend(DefaultMemorySize, DefaultMemoryRetention, nil),
		StaleRetention:    DefaultStaleRetention,
		CompressThreshold: DefaultCompressThreshold,
	}
}

// Stats is a snapshot of store counters.
type Stats struct {
	Hits      int64
	Misses    int64
	StaleHits int64
	Sets      int64
	Evictions int64
	Errors    int64
	Available bool
}

// HitRatio returns hits / (hits + misses), or 0 without lookups.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Store is the cache tier. It is safe for concurrent use.
type Store struct {
	backend        Backend
	staleRetention time.Duration
	compress       int
	clock          clockwork.Clock
	logger         zerolog.Logger

	unavailable atomic.Bool

	hits      atomic.Int64
	misses    atomic.Int64
	staleHits atomic.Int64
	sets      atomic.Int64
	errors    atomic.Int64
}

// NewStore creates a store over cfg.Backend.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidConfig, "cache backend cannot be nil")
	}
	if cfg.StaleRetention < 0 {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig, "stale retention must not be negative (got %s)", cfg.StaleRetention)
	}
	if cfg.CompressThreshold == 0 {
		cfg.CompressThreshold = DefaultCompressThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("cache")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	CacheAvailable.Set(1)
	return &Store{
		backend:        cfg.Backend,
		staleRetention: cfg.StaleRetention,
		compress:       cfg.CompressThreshold,
		clock:          cfg.Clock,
		logger:         logger,
	}, nil
}

// Get returns a fresh entry or ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := s.read(ctx, "get", key)
	if err != nil {
		return nil, err
	}

	if !entry.Fresh(s.clock.Now()) {
		s.miss()
		return nil, ErrCacheMiss
	}

	s.hit()
	return entry, nil
}

// GetStale returns the entry for key whether or not it is still fresh.
// Only the failover path should call it.
func (s *Store) GetStale(ctx context.Context, key string) (*Entry, error) {
	entry, err := s.read(ctx, "get_stale", key)
	if err != nil {
		return nil, err
	}

	if entry.Fresh(s.clock.Now()) {
		s.hit()
	} else {
		s.staleHits.Add(1)
		CacheStaleHits.Inc()
	}
	return entry, nil
}

func (s *Store) read(ctx context.Context, op, key string) (*Entry, error) {
	raw, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.ok()
			s.miss()
			return nil, ErrCacheMiss
		}
		s.miss()
		return nil, s.fail(ctx, op, err)
	}
	s.ok()

	entry, err := decodeEntry(raw)
	if err != nil {
		s.errors.Add(1)
		CacheErrors.WithLabelValues(op).Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Dropping corrupt cache entry")
		_, _ = s.backend.Del(ctx, key)
		s.miss()
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// GetMany looks up all keys in one round trip and returns the fresh ones.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]*Entry, error) {
	found := make(map[string]*Entry, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	values, err := s.backend.MGet(ctx, keys)
	if err != nil {
		s.misses.Add(int64(len(keys)))
		CacheMisses.Add(float64(len(keys)))
		return found, s.fail(ctx, "get_many", err)
	}
	s.ok()

	now := s.clock.Now()
	for i, raw := range values {
		if raw == nil {
			s.miss()
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil || !entry.Fresh(now) {
			s.miss()
			continue
		}
		s.hit()
		found[keys[i]] = entry
	}
	return found, nil
}

// Set stores value under key for ttl and returns the stored entry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, meta Meta) (*Entry, error) {
	entry, raw, err := s.prepare(key, value, ttl, meta)
	if err != nil {
		return nil, err
	}

	if err := s.backend.Set(ctx, key, raw, ttl+s.staleRetention); err != nil {
		return nil, s.fail(ctx, "set", err)
	}
	s.ok()
	s.sets.Add(1)

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Str("provider", meta.Provider).Msg("Cached metric")
	return entry, nil
}

// SetItem is one write for SetMany.
type SetItem struct {
	Key   string
	Value []byte
	TTL   time.Duration
	Meta  Meta
}

// SetMany writes all items in one backend batch.
func (s *Store) SetMany(ctx context.Context, items []SetItem) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(items))
	batch := make([]Item, 0, len(items))
	for _, item := range items {
		entry, raw, err := s.prepare(item.Key, item.Value, item.TTL, item.Meta)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		batch = append(batch, Item{Key: item.Key, Value: raw, Expiry: item.TTL + s.staleRetention})
	}

	if err := s.backend.SetMany(ctx, batch); err != nil {
		return nil, s.fail(ctx, "set_many", err)
	}
	s.ok()
	s.sets.Add(int64(len(batch)))
	return entries, nil
}

func (s *Store) prepare(key string, value []byte, ttl time.Duration, meta Meta) (*Entry, []byte, error) {
	if ttl <= 0 {
		return nil, nil, fmt.Errorf("cache ttl must be positive (got %s)", ttl)
	}

	now := s.clock.Now()
	entry := &Entry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		Class:     meta.Class,
		Metric:    meta.Metric,
		Asset:     meta.Asset,
		Provider:  meta.Provider,
	}

	raw, err := encodeEntry(entry, s.compress)
	if err != nil {
		s.errors.Add(1)
		CacheErrors.WithLabelValues("set").Inc()
		return nil, nil, err
	}
	return entry, raw, nil
}

// Delete removes a cache entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.backend.Del(ctx, key); err != nil {
		return s.fail(ctx, "delete", err)
	}
	s.ok()
	return nil
}

// InvalidateByPattern deletes every metric key matching a glob pattern. A
// pattern without glob metacharacters is a key prefix; the empty pattern
// matches all.
func (s *Store) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if !strings.ContainsAny(pattern, `*?[{\`) {
		pattern += "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, platformerrors.Wrapf(err, platformerrors.CodeInvalidInput, "invalid invalidation pattern %q", pattern)
	}

	var keys []string
	err = s.backend.Scan(ctx, KeyPrefix+":", func(key string) error {
		if g.Match(key) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, s.fail(ctx, "invalidate", err)
	}

	return s.deleteKeys(ctx, "pattern", pattern, keys)
}

// InvalidateOlderThan deletes every entry stored at least d ago. With d == 0
// it clears the whole metric keyspace.
func (s *Store) InvalidateOlderThan(ctx context.Context, d time.Duration) (int, error) {
	now := s.clock.Now()
	return s.invalidateWhere(ctx, "older_than", d.String(), func(e *Entry) bool {
		return e.Age(now) >= d
	})
}

// InvalidateByClass deletes every entry of the given volatility class.
func (s *Store) InvalidateByClass(ctx context.Context, class ttl.Class) (int, error) {
	return s.invalidateWhere(ctx, "class", class.String(), func(e *Entry) bool {
		return e.Class == class
	})
}

// invalidateWhere walks the metric keyspace in MGET batches and deletes the
// entries selected by match. Corrupt entries are always deleted.
func (s *Store) invalidateWhere(ctx context.Context, reason, detail string, match func(*Entry) bool) (int, error) {
	var keys []string
	err := s.backend.Scan(ctx, KeyPrefix+":", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return 0, s.fail(ctx, "invalidate", err)
	}

	var doomed []string
	for start := 0; start < len(keys); start += walkBatch {
		end := min(start+walkBatch, len(keys))
		values, err := s.backend.MGet(ctx, keys[start:end])
		if err != nil {
			return 0, s.fail(ctx, "invalidate", err)
		}
		for i, raw := range values {
			if raw == nil {
				continue
			}
			entry, err := decodeEntry(raw)
			if err != nil || match(entry) {
				doomed = append(doomed, keys[start+i])
			}
		}
	}

	return s.deleteKeys(ctx, reason, detail, doomed)
}

func (s *Store) deleteKeys(ctx context.Context, reason, detail string, keys []string) (int, error) {
	if len(keys) == 0 {
		s.ok()
		return 0, nil
	}

	deleted, err := s.backend.Del(ctx, keys...)
	if err != nil {
		return 0, s.fail(ctx, "invalidate", err)
	}
	s.ok()

	CacheInvalidations.WithLabelValues(reason).Add(float64(deleted))
	s.logger.Info().Str("reason", reason).Str("match", detail).Int("deleted", deleted).Msg("Invalidated cache entries")
	return deleted, nil
}

// Ping checks the backend and updates availability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return s.fail(ctx, "ping", err)
	}
	s.ok()
	return nil
}

// Available reports whether the last backend call succeeded.
func (s *Store) Available() bool {
	return !s.unavailable.Load()
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	st := Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		StaleHits: s.staleHits.Load(),
		Sets:      s.sets.Load(),
		Errors:    s.errors.Load(),
		Available: s.Available(),
	}
	if ev, ok := s.backend.(interface{ Evictions() int64 }); ok {
		st.Evictions = ev.Evictions()
	}
	return st
}

func (s *Store) hit() {
	s.hits.Add(1)
	CacheHits.WithLabelValues("store").Inc()
}

func (s *Store) miss() {
	s.misses.Add(1)
	CacheMisses.Inc()
}

// fail records a backend error, logs the start of an outage once, and returns
// an error wrapping ErrCacheUnavailable. A call that failed because ctx ended
// says nothing about the backend: it returns the context error and leaves
// availability alone.
func (s *Store) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("cache %s: %w", op, ctxErr)
	}

	s.errors.Add(1)
	CacheErrors.WithLabelValues(op).Inc()

	if s.unavailable.CompareAndSwap(false, true) {
		CacheAvailable.Set(0)
		s.logger.Warn().Err(err).Str("operation", op).Msg("Cache backend unavailable, serving without cache")
	}
	return fmt.Errorf("cache %s: %w: %w", op, ErrCacheUnavailable, err)
}

func (s *Store) ok() {
	if s.unavailable.CompareAndSwap(true, false) {
		CacheAvailable.Set(1)
		s.logger.Info().Msg("Cache backend available again")
	}
}
