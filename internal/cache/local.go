package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the local cache size.
const DefaultMaxEntries = 10000

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalCache implements Cache in process memory.
// This is suitable for single-instance deployments.
type LocalCache struct {
	mu         sync.Mutex
	entries    map[string]localEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewLocalCache creates an in-memory cache. Non-positive arguments select defaults.
func NewLocalCache(ttl time.Duration, maxEntries int) *LocalCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &LocalCache{
		entries:    make(map[string]localEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the cached value. Expired entries are dropped lazily.
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores a copy of value.
func (c *LocalCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = localEntry{value: stored, expiresAt: now.Add(c.ttl)}
	return nil
}

// evictLocked drops expired entries, or the entry closest to expiry when none are.
func (c *LocalCache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	removed := false
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of stored entries, including expired ones not yet dropped.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops all entries.
func (c *LocalCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]localEntry)
	return nil
}
