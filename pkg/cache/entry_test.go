package cache

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jrdn-h/CA/pkg/ttl"
)

func TestEntry_Fresh(t *testing.T) {
	stored := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	entry := &Entry{StoredAt: stored, ExpiresAt: stored.Add(10 * time.Second)}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just stored", stored, true},
		{"nine seconds later", stored.Add(9 * time.Second), true},
		{"at expiry", stored.Add(10 * time.Second), false},
		{"eleven seconds later", stored.Add(11 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entry.Fresh(tt.at); got != tt.want {
				t.Errorf("Fresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_Remaining(t *testing.T) {
	stored := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	entry := &Entry{StoredAt: stored, ExpiresAt: stored.Add(time.Minute)}

	if got := entry.Remaining(stored.Add(15 * time.Second)); got != 45*time.Second {
		t.Errorf("Remaining() = %v, want 45s", got)
	}
	if got := entry.Remaining(stored.Add(2 * time.Minute)); got != 0 {
		t.Errorf("Remaining() after expiry = %v, want 0", got)
	}
	if got := entry.Age(stored.Add(2 * time.Minute)); got != 2*time.Minute {
		t.Errorf("Age() = %v, want 2m", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	stored := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		value     []byte
		threshold int
		marker    byte
	}{
		{"small payload stays json", []byte(`{"price":"64000.5"}`), DefaultCompressThreshold, encodingJSON},
		{"large payload compressed", []byte(`{"bids":"` + strings.Repeat("1.0,", 4000) + `"}`), DefaultCompressThreshold, encodingS2},
		{"compression disabled", []byte(strings.Repeat("x", 10000)), -1, encodingJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Entry{
				Key:       "metric:price:BTC",
				Value:     tt.value,
				StoredAt:  stored,
				ExpiresAt: stored.Add(30 * time.Second),
				Class:     ttl.High,
				Provider:  "binance",
			}

			raw, err := encodeEntry(in, tt.threshold)
			if err != nil {
				t.Fatalf("encodeEntry() error = %v", err)
			}
			if raw[0] != tt.marker {
				t.Errorf("encoding marker = %q, want %q", raw[0], tt.marker)
			}

			out, err := decodeEntry(raw)
			if err != nil {
				t.Fatalf("decodeEntry() error = %v", err)
			}
			if !bytes.Equal(out.Value, in.Value) {
				t.Error("value changed across encode/decode")
			}
			if out.Class != ttl.High || !out.ExpiresAt.Equal(in.ExpiresAt) || out.Provider != "binance" {
				t.Errorf("metadata changed: %+v", out)
			}
		})
	}
}

func TestDecodeEntry_Invalid(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("j"), []byte("jnot json"), []byte("s\x00\x01garbage"), []byte("x{}")} {
		if _, err := decodeEntry(raw); !errors.Is(err, ErrInvalidEntry) {
			t.Errorf("decodeEntry(%q) error = %v, want ErrInvalidEntry", raw, err)
		}
	}
}
