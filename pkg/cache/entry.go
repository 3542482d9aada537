package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jrdn-h/CA/pkg/ttl"
	"github.com/klauspost/compress/s2"
)

// Entry is a cached metric value with its freshness window.
type Entry struct {
	Key string `json:"key"`

	// Value is the provider payload, stored as-is
	Value []byte `json:"value"`

	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Class    ttl.Class `json:"class"`
	Metric   string    `json:"metric,omitempty"`
	Asset    string    `json:"asset,omitempty"`
	Provider string    `json:"provider,omitempty"`
}

// Meta describes where a value came from.
type Meta struct {
	Metric   string
	Asset    string
	Provider string
	Class    ttl.Class
}

// Fresh reports whether the entry may still be served as fresh at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) Remaining(now time.Time) time.Duration {
	d := e.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

const (
	encodingJSON byte = 'j'
	encodingS2   byte = 's'
)

// encodeEntry marshals e and compresses the result when it is larger than
// threshold bytes. A threshold <= 0 disables compression.
func encodeEntry(e *Entry, threshold int) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}

	if threshold > 0 && len(data) > threshold {
		return append([]byte{encodingS2}, s2.Encode(nil, data)...), nil
	}
	return append([]byte{encodingJSON}, data...), nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidEntry, len(raw))
	}

	data := raw[1:]
	switch raw[0] {
	case encodingJSON:
	case encodingS2:
		decoded, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		data = decoded
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrInvalidEntry, raw[0])
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
