package static

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jrdn-h/CA/pkg/provider"
)

func TestFetch(t *testing.T) {
	p := New("", nil)
	if p.ID() != ID {
		t.Errorf("ID() = %q, want %q", p.ID(), ID)
	}

	raw, err := p.Fetch(context.Background(), "price", "btc", nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v.Asset != "BTC" || v.Metric != "price" || v.Source != ID {
		t.Errorf("unexpected value: %+v", v)
	}
	if string(v.Value) != `"116000.00"` {
		t.Errorf("Value = %s", v.Value)
	}
}

func TestFetch_Unsupported(t *testing.T) {
	p := New("fallback", map[string]json.RawMessage{"price": json.RawMessage(`1`)})

	_, err := p.Fetch(context.Background(), "funding_rate", "BTC", nil)
	if !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("error = %v, want ErrUnsupported", err)
	}
	if provider.Classify(err) != provider.ErrorClassMalformed {
		t.Errorf("class = %v, want malformed", provider.Classify(err))
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New("", nil).Fetch(ctx, "price", "BTC", nil); err == nil {
		t.Error("Fetch should fail on a cancelled context")
	}
}

func TestHealthCheck(t *testing.T) {
	if err := New("", nil).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
	if len(New("", nil).Metrics()) != len(DefaultValues()) {
		t.Error("Metrics() should list every default value")
	}
}
