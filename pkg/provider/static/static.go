// Package static provides a last-resort provider serving fixed values. It is
// registered with a low priority so it only answers when every live provider
// is unavailable.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jrdn-h/CA/pkg/provider"
)

// ID is the default provider ID.
const ID = "static"

// Value is the JSON document returned for every metric.
type Value struct {
	Metric string          `json:"metric"`
	Asset  string          `json:"asset"`
	Value  json.RawMessage `json:"value"`
	Source string          `json:"source"`
}

// DefaultValues are placeholder values for commonly requested metrics.
func DefaultValues() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"price":              json.RawMessage(`"116000.00"`),
		"market_cap":         json.RawMessage(`"2100000000000"`),
		"hash_rate":          json.RawMessage(`"245.7 TH/s"`),
		"active_addresses":   json.RawMessage(`950000`),
		"transactions_count": json.RawMessage(`245000`),
		"network_metrics":    json.RawMessage(`{"health":"good"}`),
		"whale_activity":     json.RawMessage(`{"large_transactions":1100,"accumulation_trend":"increasing"}`),
	}
}

// Provider serves fixed values. It never fails for a known metric.
type Provider struct {
	id     string
	values map[string]json.RawMessage
}

// New creates a static provider. A nil values map uses DefaultValues; an
// empty id uses ID.
func New(id string, values map[string]json.RawMessage) *Provider {
	if id == "" {
		id = ID
	}
	if values == nil {
		values = DefaultValues()
	}
	return &Provider{id: id, values: values}
}

// ID implements provider.Provider.
func (p *Provider) ID() string { return p.id }

// Metrics returns the metrics the provider has values for.
func (p *Provider) Metrics() []string {
	out := make([]string, 0, len(p.values))
	for m := range p.values {
		out = append(out, m)
	}
	return out
}

// Fetch implements provider.Provider.
func (p *Provider) Fetch(ctx context.Context, metric, asset string, _ map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, ok := p.values[metric]
	if !ok {
		return nil, provider.NewError(p.id, provider.ErrorClassMalformed, fmt.Errorf("%w: %s", provider.ErrUnsupported, metric))
	}

	return json.Marshal(Value{
		Metric: metric,
		Asset:  strings.ToUpper(asset),
		Value:  v,
		Source: p.id,
	})
}

// HealthCheck implements provider.HealthChecker. A static provider is always
// healthy.
func (p *Provider) HealthCheck(context.Context) error { return nil }
