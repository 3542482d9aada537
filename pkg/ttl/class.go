// Package ttl classifies metrics into volatility classes and computes how long
// a fetched value stays fresh.
package ttl

import (
	"fmt"
	"strings"
	"time"
)

// Class is the volatility bucket of a metric.
type Class int

const (
	// UltraHigh covers order books and live prices.
	UltraHigh Class = iota
	// High covers short-interval prices and volume.
	High
	// Medium is the default for unregistered metrics.
	Medium
	// Low covers network fundamentals.
	Low
	// VeryLow covers static or historical data.
	VeryLow
)

// Classes lists every class in order of decreasing volatility.
var Classes = []Class{UltraHigh, High, Medium, Low, VeryLow}

var classNames = map[Class]string{
	UltraHigh: "ultra_high",
	High:      "high",
	Medium:    "medium",
	Low:       "low",
	VeryLow:   "very_low",
}

var baseTTLs = map[Class]time.Duration{
	UltraHigh: 10 * time.Second,
	High:      30 * time.Second,
	Medium:    60 * time.Second,
	Low:       300 * time.Second,
	VeryLow:   900 * time.Second,
}

// String returns the snake_case name used in configuration and logs.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// BaseTTL returns the unadjusted freshness window of the class.
func (c Class) BaseTTL() time.Duration {
	return baseTTLs[c]
}

// Valid reports whether c is one of the five known classes.
func (c Class) Valid() bool {
	_, ok := classNames[c]
	return ok
}

// ParseClass converts a configuration name ("ultra_high", "UltraHigh", "very-low")
// to a Class.
func ParseClass(s string) (Class, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for c, name := range classNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return c, nil
		}
	}
	return Medium, fmt.Errorf("unknown volatility class %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid volatility class %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(text []byte) error {
	parsed, err := ParseClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// DefaultTable maps well-known metric names to their class.
func DefaultTable() map[string]Class {
	return map[string]Class{
		"order_book":       UltraHigh,
		"order_book_depth": UltraHigh,
		"live_price":       UltraHigh,
		"spread_analysis":  UltraHigh,

		"price":                   High,
		"price_data":              High,
		"mark_price":              High,
		"ohlcv_1m":                High,
		"ohlcv_5m":                High,
		"volume_analysis":         High,
		"arbitrage_opportunities": High,

		"whale_activity":       Medium,
		"whale_movements":      Medium,
		"exchange_flows":       Medium,
		"funding_rate":         Medium,
		"open_interest":        Medium,
		"ohlcv_1h":             Medium,
		"market_sentiment":     Medium,
		"technical_indicators": Medium,

		"network_metrics":    Low,
		"active_addresses":   Low,
		"hash_rate":          Low,
		"transactions_count": Low,
		"ohlcv_4h":           Low,
		"ohlcv_1d":           Low,

		"market_cap":      VeryLow,
		"supply_metrics":  VeryLow,
		"token_info":      VeryLow,
		"historical_data": VeryLow,
	}
}
