package acquire

import (
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jrdn-h/CA/pkg/cache"
)

// Request asks for one metric of one asset.
type Request struct {
	Metric string
	Asset  string
	Params map[string]string

	// IssuedAt is stamped by Acquire when zero.
	IssuedAt time.Time

	// ForceRefresh skips the fresh-cache short circuit. The warmer uses it.
	ForceRefresh bool
}

// Key returns the cache key of the request.
func (r Request) Key() string {
	return cache.Key{Metric: r.Metric, Asset: r.Asset, Params: r.Params}.String()
}

func (r Request) normalized() Request {
	r.Metric = strings.TrimSpace(r.Metric)
	r.Asset = strings.ToUpper(strings.TrimSpace(r.Asset))
	return r
}

func (r Request) validate() error {
	if r.Metric == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "metric is required")
	}
	if r.Asset == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "asset is required")
	}
	return nil
}

// Result is a value handed back to a caller.
type Result struct {
	Value []byte
	Key   string

	// Provider that produced the value.
	Provider string

	// Stale is set when every provider failed and the value is past its TTL.
	Stale bool

	// Cached is set when the value came from a fresh cache entry.
	Cached bool

	// Shared is set when the caller joined a fetch started by another caller.
	Shared bool

	StoredAt  time.Time
	ExpiresAt time.Time
}

func resultFromEntry(e *cache.Entry) *Result {
	return &Result{
		Value:     e.Value,
		Key:       e.Key,
		Provider:  e.Provider,
		StoredAt:  e.StoredAt,
		ExpiresAt: e.ExpiresAt,
	}
}
