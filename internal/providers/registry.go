package providers

import (
	"sort"
	"sync"

	"aiproxy/internal/core"
)

// Registry holds the instantiated adapters keyed by configured provider id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]core.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]core.Adapter)}
}

// Register adds or replaces the adapter for its provider id.
func (r *Registry) Register(adapter core.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Adapter returns the adapter registered for provider.
func (r *Registry) Adapter(provider string) (core.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Names returns the sorted provider ids.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Replace swaps the whole adapter set at once.
func (r *Registry) Replace(adapters map[string]core.Adapter) {
	next := make(map[string]core.Adapter, len(adapters))
	for name, a := range adapters {
		next[name] = a
	}
	r.mu.Lock()
	r.adapters = next
	r.mu.Unlock()
}
