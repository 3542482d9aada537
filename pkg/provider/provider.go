// Package provider defines the contract every upstream metric source
// implements, together with the error taxonomy providers report failures with.
package provider

import "context"

// Provider fetches one metric for one asset. The deadline comes from ctx.
type Provider interface {
	ID() string
	Fetch(ctx context.Context, metric, asset string, params map[string]string) ([]byte, error)
}

// Item is one request inside a batch.
type Item struct {
	Metric string
	Asset  string
	Params map[string]string
}

// BatchResult answers the Item at the same index.
type BatchResult struct {
	Value []byte
	Err   error
}

// BatchFetcher is implemented by providers that can answer several items in a
// single upstream call. FetchBatch returns one result per item, in order.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, items []Item) []BatchResult
}

// HealthChecker is implemented by providers with a cheap liveness endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Func adapts a function to the Provider interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, metric, asset string, params map[string]string) ([]byte, error)
}

// ID implements Provider.
func (f Func) ID() string { return f.Name }

// Fetch implements Provider.
func (f Func) Fetch(ctx context.Context, metric, asset string, params map[string]string) ([]byte, error) {
	return f.Fn(ctx, metric, asset, params)
}
