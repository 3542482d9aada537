package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"github.com/jrdn-h/CA/pkg/acquire"
	"github.com/jrdn-h/CA/pkg/health"
	"github.com/jrdn-h/CA/pkg/metrics"
	"github.com/jrdn-h/CA/pkg/registry"
	"github.com/jrdn-h/CA/pkg/ttl"
)

const (
	requestTimeout = 30 * time.Second
	maxBatch       = 100
)

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", a.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /v1/metrics/{metric}/{asset}", a.metricHandler)
	mux.HandleFunc("POST /v1/metrics/batch", a.batchHandler)

	mux.HandleFunc("GET /v1/providers", a.providersHandler)
	mux.HandleFunc("GET /v1/providers/{id}", a.providerHandler)
	mux.HandleFunc("PUT /v1/providers/{id}/state", a.overrideHandler)
	mux.HandleFunc("POST /v1/providers/reset", a.resetHandler)

	mux.HandleFunc("POST /v1/cache/invalidate", a.invalidateHandler)
	mux.HandleFunc("GET /v1/stats", a.statsHandler)

	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyHandler reports the roll-up of provider health and cache reachability.
// Only an unhealthy system is not ready.
func (a *app) readyHandler(w http.ResponseWriter, r *http.Request) {
	cacheUp := a.store.Ping(r.Context()) == nil
	sh := a.registry.SystemHealth(cacheUp)

	status := http.StatusOK
	if sh.Status == registry.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sh)
}

type metricResponse struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Provider  string          `json:"provider"`
	Stale     bool            `json:"stale"`
	Cached    bool            `json:"cached"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func toResponse(res *acquire.Result) metricResponse {
	value := json.RawMessage(res.Value)
	if !json.Valid(res.Value) {
		value, _ = json.Marshal(string(res.Value))
	}
	return metricResponse{
		Key:       res.Key,
		Value:     value,
		Provider:  res.Provider,
		Stale:     res.Stale,
		Cached:    res.Cached,
		StoredAt:  res.StoredAt,
		ExpiresAt: res.ExpiresAt,
	}
}

// metricHandler serves GET /v1/metrics/{metric}/{asset}. Query parameters
// other than "refresh" become request params.
func (a *app) metricHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	req := acquire.Request{
		Metric: r.PathValue("metric"),
		Asset:  r.PathValue("asset"),
	}
	for k, v := range r.URL.Query() {
		if k == "refresh" {
			req.ForceRefresh = v[0] == "true" || v[0] == "1"
			continue
		}
		if req.Params == nil {
			req.Params = make(map[string]string)
		}
		req.Params[k] = v[0]
	}

	res, err := a.coord.Acquire(ctx, req)
	if err != nil {
		a.logger.Warn().Err(err).Str("metric", req.Metric).Str("asset", req.Asset).Msg("Acquire failed")
		writeError(w, err)
		return
	}

	if res.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	writeJSON(w, http.StatusOK, toResponse(res))
}

type batchRequest struct {
	Requests []struct {
		Metric string            `json:"metric"`
		Asset  string            `json:"asset"`
		Params map[string]string `json:"params,omitempty"`
	} `json:"requests"`
}

type batchItem struct {
	Metric string                        `json:"metric"`
	Asset  string                        `json:"asset"`
	Result *metricResponse               `json:"result,omitempty"`
	Error  *platformerrors.ErrorResponse `json:"error,omitempty"`
}

func (a *app) batchHandler(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid batch body"))
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > maxBatch {
		writeError(w, platformerrors.Newf(platformerrors.CodeInvalidInput, "batch must hold 1-%d requests", maxBatch))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	reqs := make([]acquire.Request, len(body.Requests))
	for i, br := range body.Requests {
		reqs[i] = acquire.Request{Metric: br.Metric, Asset: br.Asset, Params: br.Params}
	}

	results := a.coord.AcquireMany(ctx, reqs)
	out := make([]batchItem, len(results))
	for i, mr := range results {
		out[i] = batchItem{Metric: mr.Request.Metric, Asset: mr.Request.Asset}
		if mr.Err != nil {
			out[i].Error = errorResponse(mr.Err)
			continue
		}
		resp := toResponse(mr.Result)
		out[i].Result = &resp
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (a *app) providersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": a.registry.Statuses(),
		"system":    a.registry.SystemHealth(a.store.Available()),
	})
}

func (a *app) providerHandler(w http.ResponseWriter, r *http.Request) {
	st, err := a.registry.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *app) overrideHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State *health.State `json:"state"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid state"))
		return
	}
	// A missing field would otherwise decode to the zero state, Healthy.
	if body.State == nil {
		writeError(w, platformerrors.New(platformerrors.CodeInvalidInput, "state is required"))
		return
	}

	id := r.PathValue("id")
	if err := a.registry.Override(id, *body.State); err != nil {
		writeError(w, err)
		return
	}
	a.logger.Info().Str("provider", id).Str("state", body.State.String()).Msg("Provider state overridden")

	st, _ := a.registry.Status(id)
	writeJSON(w, http.StatusOK, st)
}

func (a *app) resetHandler(w http.ResponseWriter, r *http.Request) {
	a.registry.ResetAll()
	a.logger.Info().Msg("All providers reset to healthy")
	writeJSON(w, http.StatusOK, a.registry.SystemHealth(a.store.Available()))
}

type invalidateRequest struct {
	Pattern   string `json:"pattern,omitempty"`
	OlderThan string `json:"older_than,omitempty"`
	Class     string `json:"class,omitempty"`
}

// invalidateHandler removes entries by exactly one of pattern, age or class.
func (a *app) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	var body invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "invalid body"))
		return
	}

	var (
		n   int
		err error
	)
	switch {
	case body.Pattern != "" && body.OlderThan == "" && body.Class == "":
		n, err = a.store.InvalidateByPattern(r.Context(), body.Pattern)
	case body.OlderThan != "" && body.Pattern == "" && body.Class == "":
		d, perr := time.ParseDuration(body.OlderThan)
		if perr != nil {
			writeError(w, platformerrors.Wrap(perr, platformerrors.CodeInvalidInput, "invalid older_than"))
			return
		}
		n, err = a.store.InvalidateOlderThan(r.Context(), d)
	case body.Class != "" && body.Pattern == "" && body.OlderThan == "":
		class, perr := ttl.ParseClass(body.Class)
		if perr != nil {
			writeError(w, platformerrors.Wrap(perr, platformerrors.CodeInvalidInput, "invalid class"))
			return
		}
		n, err = a.store.InvalidateByClass(r.Context(), class)
	default:
		err = platformerrors.New(platformerrors.CodeInvalidInput, "exactly one of pattern, older_than or class is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (a *app) statsHandler(w http.ResponseWriter, r *http.Request) {
	cs := a.store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"cache": map[string]any{
			"hits":       cs.Hits,
			"misses":     cs.Misses,
			"stale_hits": cs.StaleHits,
			"sets":       cs.Sets,
			"evictions":  cs.Evictions,
			"errors":     cs.Errors,
			"available":  cs.Available,
			"hit_ratio":  cs.HitRatio(),
		},
		"acquire": a.coord.Stats(),
		"warmer":  a.warmer.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is ToJSON with the full chain as the message, so wrapped
// sentinels keep their key and causes.
func errorResponse(err error) *platformerrors.ErrorResponse {
	resp := platformerrors.ToJSON(err)
	resp.Message = err.Error()
	return resp
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse(err)
	if errors.Is(err, registry.ErrUnknownProvider) {
		resp.Code = string(platformerrors.CodeNotFound)
	}
	status := httpStatus(platformerrors.ErrorCode(resp.Code))
	if status == http.StatusServiceUnavailable && platformerrors.IsRetryable(err) {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}

func httpStatus(code platformerrors.ErrorCode) int {
	switch code {
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case platformerrors.CodeUnavailable, platformerrors.CodeRateLimit:
		return http.StatusServiceUnavailable
	case platformerrors.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
