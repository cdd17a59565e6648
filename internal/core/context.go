package core

import (
	"context"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey     contextKey = "request-id"
	targetTimeoutKey contextKey = "target-timeout"
	apiKeyKey        contextKey = "api-key"
)

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithTargetTimeout attaches a caller-supplied per-target deadline.
// It takes precedence over alias and global defaults.
func WithTargetTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	return context.WithValue(ctx, targetTimeoutKey, d)
}

// GetTargetTimeout returns the caller-supplied per-target deadline, or zero.
func GetTargetTimeout(ctx context.Context) time.Duration {
	if v, ok := ctx.Value(targetTimeoutKey).(time.Duration); ok {
		return v
	}
	return 0
}

// WithAPIKey selects the upstream credential for one invocation attempt.
func WithAPIKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyKey, key)
}

// APIKey returns the credential chosen for this attempt, or fallback.
func APIKey(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(apiKeyKey).(string); ok && v != "" {
		return v
	}
	return fallback
}
