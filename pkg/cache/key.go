package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces every metric key.
const KeyPrefix = "metric"

// Key identifies one cached metric value.
type Key struct {
	// Metric is the metric name (e.g., "price", "funding_rate")
	Metric string

	// Asset is the asset symbol; it is upper-cased in the key
	Asset string

	// Params are request parameters (e.g., {"timeframe": "1h"})
	Params map[string]string
}

// String generates a deterministic cache key string.
// Format: metric:<metric>:<ASSET>:param1=val1:param2=val2
//
// Each component is query-escaped, so a ':' or '=' inside a value cannot make
// two different keys render the same string. Plain names pass through as is.
//
// Example:
//
//	metric:ohlcv:BTC:limit=100:timeframe=1h
func (k Key) String() string {
	parts := make([]string, 0, 3+len(k.Params))
	parts = append(parts, KeyPrefix,
		url.QueryEscape(strings.TrimSpace(k.Metric)),
		url.QueryEscape(strings.ToUpper(strings.TrimSpace(k.Asset))))

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(k.Params[name]))
		}
	}

	return strings.Join(parts, ":")
}
