package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"aiproxy/internal/core"
)

// targetTimeout picks the per-target deadline: caller header, then alias, then engine default.
func (e *Engine) targetTimeout(ctx context.Context, route *core.Route) time.Duration {
	if d := core.GetTargetTimeout(ctx); d > 0 {
		return d
	}
	if route.Timeout > 0 {
		return route.Timeout
	}
	return e.timeout
}

// invoke calls one target, retrying retryable failures with backoff.
// Within an attempt every configured key is tried in order before backing off.
// The target deadline covers every attempt.
func (e *Engine) invoke(ctx context.Context, route *core.Route, p *preparedTarget, o *Outcome) (*core.ProviderResponse, *core.GatewayError) {
	tctx, cancel := context.WithTimeout(ctx, e.targetTimeout(ctx, route))
	defer cancel()

	provider := o.Target.Provider
	keys := keysFor(p.adapter)
	var lastErr *core.GatewayError
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(tctx, e.backoff(attempt)); err != nil {
				return nil, classify(ctx, tctx, provider, err)
			}
		}

		for k, key := range keys {
			o.Attempts++
			resp, err := p.adapter.Invoke(core.WithAPIKey(tctx, key), p.req)
			if err == nil {
				return resp, nil
			}

			lastErr = classify(ctx, tctx, provider, err)
			if tctx.Err() != nil || !lastErr.Retryable() {
				return nil, lastErr
			}
			if k < len(keys)-1 {
				slog.Debug("rotating api key", "provider", provider, "key_index", k+1, "error", lastErr.Message)
			}
		}
	}
	return nil, lastErr
}

// keysFor lists the credentials to try per attempt. An empty key means the
// adapter's own.
func keysFor(adapter core.Adapter) []string {
	if ring, ok := adapter.(core.KeyRing); ok {
		if keys := ring.APIKeys(); len(keys) > 1 {
			return keys
		}
	}
	return []string{""}
}

// classify attributes err to provider. An expired target deadline becomes a
// timeout even when the transport reported it differently.
func classify(parent, target context.Context, provider string, err error) *core.GatewayError {
	if parent.Err() == nil && errors.Is(target.Err(), context.DeadlineExceeded) {
		return core.NewTimeoutError(provider, err)
	}
	if parent.Err() != nil {
		return cancelledError(provider, parent.Err())
	}
	return core.AsGatewayError(provider, err)
}

func cancelledError(provider string, err error) *core.GatewayError {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError(provider, err)
	}
	return core.NewUpstreamError(provider, http.StatusBadGateway, "request cancelled", err)
}

// backoff returns the wait before attempt n (n >= 1): exponential growth capped
// at MaxBackoff, scaled by a random factor in [1-jitter, 1+jitter].
func (e *Engine) backoff(attempt int) time.Duration {
	initial := e.retry.InitialBackoff
	if initial <= 0 {
		return 0
	}
	factor := e.retry.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	d := float64(initial) * math.Pow(factor, float64(attempt-1))
	if maxBackoff := float64(e.retry.MaxBackoff); maxBackoff > 0 && d > maxBackoff {
		d = maxBackoff
	}
	if j := e.retry.JitterFactor; j > 0 {
		d *= 1 + j*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
