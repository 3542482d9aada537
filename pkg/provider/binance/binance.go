// Package binance implements a provider backed by the Binance USD-M futures
// REST API.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/jrdn-h/CA/pkg/provider"
)

// Defaults for Config.
const (
	DefaultID      = "binance"
	DefaultBaseURL = "https://fapi.binance.com"
	DefaultQuote   = "USDT"
	DefaultTimeout = 10 * time.Second

	defaultKlineLimit = 100
	maxBodySize       = 8 << 20
)

// Config configures a Provider.
type Config struct {
	ID         string
	BaseURL    string
	Quote      string
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// Provider fetches market metrics from Binance.
type Provider struct {
	cfg  Config
	http *http.Client
}

// New creates a Binance provider. Zero fields of cfg take defaults.
func New(cfg Config) *Provider {
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Quote == "" {
		cfg.Quote = DefaultQuote
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "metricd/1.0"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{cfg: cfg, http: client}
}

// Capabilities lists the metrics the provider serves.
func Capabilities() []string {
	return []string{
		"price", "live_price", "price_data", "mark_price", "funding_rate",
		"open_interest", "volume_analysis",
		"ohlcv", "ohlcv_1m", "ohlcv_5m", "ohlcv_1h", "ohlcv_4h", "ohlcv_1d",
	}
}

// ID implements provider.Provider.
func (p *Provider) ID() string { return p.cfg.ID }

// Symbol maps an asset to the traded pair ("BTC" -> "BTCUSDT").
func (p *Provider) Symbol(asset string) string {
	asset = strings.ToUpper(asset)
	if strings.HasSuffix(asset, p.cfg.Quote) {
		return asset
	}
	return asset + p.cfg.Quote
}

// Quote is returned for single-value metrics.
type Quote struct {
	Metric string          `json:"metric"`
	Asset  string          `json:"asset"`
	Symbol string          `json:"symbol"`
	Value  decimal.Decimal `json:"value"`
	Source string          `json:"source"`
}

// Volume is returned for volume_analysis.
type Volume struct {
	Asset              string          `json:"asset"`
	Symbol             string          `json:"symbol"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	Source             string          `json:"source"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime int64           `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Fetch implements provider.Provider.
func (p *Provider) Fetch(ctx context.Context, metric, asset string, params map[string]string) ([]byte, error) {
	symbol := p.Symbol(asset)

	switch {
	case metric == "price" || metric == "live_price" || metric == "price_data":
		var out struct {
			Price string `json:"price"`
		}
		if err := p.get(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {symbol}}, &out); err != nil {
			return nil, err
		}
		return p.quote(metric, asset, symbol, out.Price)

	case metric == "mark_price" || metric == "funding_rate":
		var out struct {
			MarkPrice       string `json:"markPrice"`
			LastFundingRate string `json:"lastFundingRate"`
		}
		if err := p.get(ctx, "/fapi/v1/premiumIndex", url.Values{"symbol": {symbol}}, &out); err != nil {
			return nil, err
		}
		if metric == "mark_price" {
			return p.quote(metric, asset, symbol, out.MarkPrice)
		}
		return p.quote(metric, asset, symbol, out.LastFundingRate)

	case metric == "open_interest":
		var out struct {
			OpenInterest string `json:"openInterest"`
		}
		if err := p.get(ctx, "/fapi/v1/openInterest", url.Values{"symbol": {symbol}}, &out); err != nil {
			return nil, err
		}
		return p.quote(metric, asset, symbol, out.OpenInterest)

	case metric == "volume_analysis":
		return p.volume(ctx, asset, symbol)

	case metric == "ohlcv" || strings.HasPrefix(metric, "ohlcv_"):
		interval := strings.TrimPrefix(metric, "ohlcv_")
		if tf := params["timeframe"]; tf != "" {
			interval = tf
		}
		if interval == "ohlcv" || interval == "" {
			interval = "1h"
		}
		return p.klines(ctx, symbol, interval, params["limit"])
	}

	return nil, provider.NewError(p.cfg.ID, provider.ErrorClassMalformed, fmt.Errorf("%w: %s", provider.ErrUnsupported, metric))
}

func (p *Provider) quote(metric, asset, symbol, raw string) ([]byte, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, p.malformed(fmt.Errorf("parse %s %q: %w", metric, raw, err))
	}
	return json.Marshal(Quote{Metric: metric, Asset: strings.ToUpper(asset), Symbol: symbol, Value: v, Source: p.cfg.ID})
}

func (p *Provider) volume(ctx context.Context, asset, symbol string) ([]byte, error) {
	var out struct {
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
		PriceChangePercent string `json:"priceChangePercent"`
	}
	if err := p.get(ctx, "/fapi/v1/ticker/24hr", url.Values{"symbol": {symbol}}, &out); err != nil {
		return nil, err
	}

	v := Volume{Asset: strings.ToUpper(asset), Symbol: symbol, Source: p.cfg.ID}
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{out.Volume, &v.Volume},
		{out.QuoteVolume, &v.QuoteVolume},
		{out.PriceChangePercent, &v.PriceChangePercent},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, p.malformed(fmt.Errorf("parse 24h ticker: %w", err))
		}
		*f.dst = d
	}
	return json.Marshal(v)
}

func (p *Provider) klines(ctx context.Context, symbol, interval, limit string) ([]byte, error) {
	if limit == "" {
		limit = strconv.Itoa(defaultKlineLimit)
	}

	var raw [][]json.RawMessage
	q := url.Values{"symbol": {symbol}, "interval": {interval}, "limit": {limit}}
	if err := p.get(ctx, "/fapi/v1/klines", q, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for i, row := range raw {
		if len(row) < 6 {
			return nil, p.malformed(fmt.Errorf("kline %d has %d fields", i, len(row)))
		}
		var c Candle
		if err := json.Unmarshal(row[0], &c.OpenTime); err != nil {
			return nil, p.malformed(fmt.Errorf("kline %d open time: %w", i, err))
		}
		for j, dst := range []*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			if err := json.Unmarshal(row[j+1], dst); err != nil {
				return nil, p.malformed(fmt.Errorf("kline %d field %d: %w", i, j+1, err))
			}
		}
		candles = append(candles, c)
	}
	return json.Marshal(candles)
}

// FetchBatch implements provider.BatchFetcher. Price items share a single
// all-symbols ticker call; other items are fetched one by one.
func (p *Provider) FetchBatch(ctx context.Context, items []provider.Item) []provider.BatchResult {
	results := make([]provider.BatchResult, len(items))

	var priceIdx, otherIdx []int
	for i, item := range items {
		if item.Metric == "price" || item.Metric == "live_price" {
			priceIdx = append(priceIdx, i)
		} else {
			otherIdx = append(otherIdx, i)
		}
	}

	if len(priceIdx) > 0 {
		prices, err := p.allPrices(ctx)
		for _, i := range priceIdx {
			item := items[i]
			if err != nil {
				results[i].Err = err
				continue
			}
			symbol := p.Symbol(item.Asset)
			raw, ok := prices[symbol]
			if !ok {
				results[i].Err = provider.NewError(p.cfg.ID, provider.ErrorClassMalformed, fmt.Errorf("%w: symbol %s", provider.ErrUnsupported, symbol))
				continue
			}
			results[i].Value, results[i].Err = p.quote(item.Metric, item.Asset, symbol, raw)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, i := range otherIdx {
		g.Go(func() error {
			item := items[i]
			results[i].Value, results[i].Err = p.Fetch(gctx, item.Metric, item.Asset, item.Params)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Provider) allPrices(ctx context.Context) (map[string]string, error) {
	var out []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := p.get(ctx, "/fapi/v1/ticker/price", nil, &out); err != nil {
		return nil, err
	}
	prices := make(map[string]string, len(out))
	for _, t := range out {
		prices[t.Symbol] = t.Price
	}
	return prices, nil
}

// HealthCheck implements provider.HealthChecker using the ping endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	var out struct{}
	return p.get(ctx, "/fapi/v1/ping", nil, &out)
}

func (p *Provider) get(ctx context.Context, path string, query url.Values, out any) error {
	u := p.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return p.malformed(err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return provider.NewError(p.cfg.ID, provider.ErrorClassTimeout, err)
		}
		return provider.NewError(p.cfg.ID, provider.ErrorClassUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return provider.NewError(p.cfg.ID, provider.ErrorClassUpstream, fmt.Errorf("read body: %w", err))
	}

	if err := p.checkStatus(resp, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return p.malformed(fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// checkStatus maps HTTP status codes to provider error classes. 429 and the
// IP ban status 418 are rate limits.
func (p *Provider) checkStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return provider.RateLimited(p.cfg.ID, retryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	case resp.StatusCode >= 500:
		return provider.NewError(p.cfg.ID, provider.ErrorClassUpstream, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	default:
		return p.malformed(fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body)))
	}
}

func (p *Provider) malformed(err error) error {
	return provider.NewError(p.cfg.ID, provider.ErrorClassMalformed, err)
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
