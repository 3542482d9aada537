package cache

import "testing"

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "metric and asset",
			key:  Key{Metric: "price", Asset: "BTC"},
			want: "metric:price:BTC",
		},
		{
			name: "asset upper-cased",
			key:  Key{Metric: "funding_rate", Asset: "eth"},
			want: "metric:funding_rate:ETH",
		},
		{
			name: "params sorted",
			key: Key{
				Metric: "ohlcv",
				Asset:  "BTC",
				Params: map[string]string{"timeframe": "1h", "limit": "100"},
			},
			want: "metric:ohlcv:BTC:limit=100:timeframe=1h",
		},
		{
			name: "whitespace trimmed",
			key:  Key{Metric: " price ", Asset: " sol"},
			want: "metric:price:SOL",
		},
		{
			name: "separators in values escaped",
			key: Key{
				Metric: "ohlcv",
				Asset:  "BTC",
				Params: map[string]string{"limit": "5:timeframe=1h"},
			},
			want: "metric:ohlcv:BTC:limit=5%3Atimeframe%3D1h",
		},
		{
			name: "separators in asset escaped",
			key:  Key{Metric: "price", Asset: "btc:usd"},
			want: "metric:price:BTC%3AUSD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKey_String_Deterministic(t *testing.T) {
	params := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	key := Key{Metric: "price", Asset: "BTC", Params: params}

	first := key.String()
	for i := 0; i < 100; i++ {
		if got := key.String(); got != first {
			t.Fatalf("String() not deterministic: got %v, want %v", got, first)
		}
	}
}

func TestKey_String_NoCollisions(t *testing.T) {
	keys := []Key{
		{Metric: "ohlcv", Asset: "BTC", Params: map[string]string{"limit": "5:timeframe=1h"}},
		{Metric: "ohlcv", Asset: "BTC", Params: map[string]string{"limit": "5", "timeframe": "1h"}},
		{Metric: "ohlcv", Asset: "BTC", Params: map[string]string{"limit=5:timeframe": "1h"}},
		{Metric: "ohlcv:BTC", Asset: "limit=5"},
		{Metric: "ohlcv", Asset: "BTC:limit=5"},
	}

	seen := make(map[string]int, len(keys))
	for i, key := range keys {
		s := key.String()
		if j, ok := seen[s]; ok {
			t.Errorf("keys %d and %d both render %q", j, i, s)
		}
		seen[s] = i
	}
}
