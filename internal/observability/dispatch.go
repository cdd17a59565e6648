package observability

import (
	"strconv"
	"time"
)

// DispatchMetrics records dispatch outcomes. The zero value is ready to use.
type DispatchMetrics struct{}

// NewDispatchMetrics returns the Prometheus dispatch observer.
func NewDispatchMetrics() *DispatchMetrics {
	return &DispatchMetrics{}
}

func (*DispatchMetrics) DispatchFinished(alias, state string, stream bool, elapsed time.Duration) {
	dispatches.WithLabelValues(alias, state, strconv.FormatBool(stream)).Inc()
	dispatchDuration.WithLabelValues(alias).Observe(elapsed.Seconds())
}

func (*DispatchMetrics) TargetFinished(alias, provider, status string, attempts int) {
	targetOutcomes.WithLabelValues(alias, provider, status).Inc()
	if attempts > 1 {
		targetRetries.WithLabelValues(provider).Add(float64(attempts - 1))
	}
}

func (*DispatchMetrics) Discarded(alias, provider, reason string) {
	discards.WithLabelValues(alias, provider, reason).Inc()
}

func (*DispatchMetrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}
