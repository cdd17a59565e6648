// Package cache provides the exact-match response cache.
// Supports both local (in-memory) and Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"aiproxy/internal/core"
)

// DefaultTTL is used when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// Cache stores opaque response bodies by key.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value for key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for the backend's TTL.
	Set(ctx context.Context, key string, value []byte) error

	// Close releases any resources held by the cache.
	Close() error
}

// routeKey is the part of a route that decides what a cached answer contains.
type routeKey struct {
	Alias   string             `json:"alias"`
	Policy  string             `json:"policy"`
	Mode    string             `json:"mode"`
	Targets []core.RouteTarget `json:"targets"`
}

// Key derives the cache key for a request sent through route.
// The targets are part of the key so a reload that repoints an alias misses.
// The request is re-encoded so equivalent JSON inputs share a key.
func Key(route *core.Route, req *core.ChatRequest) (string, error) {
	routing, err := json.Marshal(routeKey{Alias: route.Alias, Policy: route.Policy, Mode: route.Mode, Targets: route.Targets})
	if err != nil {
		return "", fmt.Errorf("failed to encode route for cache key: %w", err)
	}
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode request for cache key: %w", err)
	}
	d := xxhash.New()
	_, _ = d.Write(routing)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(canonical)

	var sum [8]byte
	return hex.EncodeToString(d.Sum(sum[:0])), nil
}

// ResponseCache stores normalized chat responses.
type ResponseCache struct {
	backend Cache
}

// NewResponseCache wraps a byte cache.
func NewResponseCache(backend Cache) *ResponseCache {
	return &ResponseCache{backend: backend}
}

// Get returns the cached response for key, if any.
func (c *ResponseCache) Get(ctx context.Context, key string) (*core.ChatResponse, bool, error) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var resp core.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to parse cached response: %w", err)
	}
	return &resp, true, nil
}

// Set stores resp under key.
func (c *ResponseCache) Set(ctx context.Context, key string, resp *core.ChatResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return c.backend.Set(ctx, key, data)
}

// Close closes the backend.
func (c *ResponseCache) Close() error {
	return c.backend.Close()
}
