// Package observability exposes Prometheus metrics for upstream traffic and dispatch outcomes.
package observability

import (
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"aiproxy/internal/core"
	"aiproxy/internal/llmclient"
)

var (
	upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_upstream_requests_total",
			Help: "Total number of outbound provider requests",
		},
		[]string{"provider", "model", "endpoint", "stream", "status"},
	)

	upstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiproxy_upstream_request_duration_seconds",
			Help:    "Time until the provider answered (for streams: until headers arrived)",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model", "stream"},
	)

	upstreamInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiproxy_upstream_requests_in_flight",
			Help: "Outbound provider requests waiting for an answer",
		},
		[]string{"provider"},
	)

	dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_dispatch_total",
			Help: "Finished chat requests by alias and final state",
		},
		[]string{"alias", "state", "stream"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiproxy_dispatch_duration_seconds",
			Help:    "End-to-end dispatch time per alias",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"alias"},
	)

	targetOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_target_outcomes_total",
			Help: "Per-target outcomes of dispatched requests",
		},
		[]string{"alias", "provider", "status"},
	)

	targetRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_target_retries_total",
			Help: "Retried invocations per provider",
		},
		[]string{"provider"},
	)

	discards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_discards_total",
			Help: "Results and tool calls that were not forwarded to the client",
		},
		[]string{"alias", "provider", "reason"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_response_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
)

// NewPrometheusHooks returns llmclient hooks recording upstream request metrics.
func NewPrometheusHooks() llmclient.Hooks {
	return llmclient.Hooks{
		OnRequestStart: func(ctx context.Context, info llmclient.RequestInfo) context.Context {
			upstreamInFlight.WithLabelValues(info.Provider).Inc()
			return ctx
		},
		OnRequestEnd: func(_ context.Context, info llmclient.ResponseInfo) {
			upstreamInFlight.WithLabelValues(info.Provider).Dec()
			stream := strconv.FormatBool(info.Stream)
			upstreamRequests.WithLabelValues(info.Provider, info.Model, info.Endpoint, stream, statusLabel(info.StatusCode, info.Err)).Inc()
			upstreamDuration.WithLabelValues(info.Provider, info.Model, stream).Observe(info.Duration.Seconds())
		},
	}
}

// statusLabel keeps the label set small: the HTTP status when one was received,
// otherwise the error class.
func statusLabel(status int, err error) string {
	if status > 0 {
		return strconv.Itoa(status)
	}
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var gwErr *core.GatewayError
	if errors.As(err, &gwErr) {
		return string(gwErr.Type)
	}
	return "error"
}
