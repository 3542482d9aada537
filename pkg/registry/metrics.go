package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_provider_requests_total",
		Help: "Total number of provider calls by outcome",
	}, []string{"provider", "outcome"}) // "success", "failure", "throttled"

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metricd_provider_request_duration_seconds",
		Help:    "Provider call duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"provider"})

	providerHealthState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "metricd_provider_health_state",
		Help: "Provider health state (0=healthy, 1=degraded, 2=unavailable)",
	}, []string{"provider"})

	providerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_provider_transitions_total",
		Help: "Total number of provider health state transitions",
	}, []string{"provider", "from", "to"})

	providerProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metricd_provider_probes_total",
		Help: "Total number of recovery probes and health checks by result",
	}, []string{"provider", "result"})

	probeBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metricd_provider_probe_backoff_seconds",
		Help:    "Delay before the next recovery probe after a failed one",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"provider"})
)
