// Package providers provides the adapter factory, registry and alias router.
package providers

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"aiproxy/internal/core"
	"aiproxy/internal/llmclient"
)

// ProviderOptions carries everything a constructor needs besides the API key.
type ProviderOptions struct {
	// Name is the configured provider id; it is used in errors and responses.
	Name           string
	BaseURL        string
	Headers        map[string]string
	Hooks          llmclient.Hooks
	HTTPClient     *http.Client
	CircuitBreaker *llmclient.CircuitBreakerConfig
}

// ClientConfig returns the llmclient configuration for these options.
// defaultBaseURL is used when no base URL override is configured.
func (o ProviderOptions) ClientConfig(defaultBaseURL string) llmclient.Config {
	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return llmclient.Config{
		ProviderName:   o.Name,
		BaseURL:        trimSlash(baseURL),
		Hooks:          o.Hooks,
		CircuitBreaker: o.CircuitBreaker,
	}
}

// NewClient builds the llmclient for these options.
func (o ProviderOptions) NewClient(defaultBaseURL string, headers llmclient.HeaderSetter) *llmclient.Client {
	setter := headers
	if len(o.Headers) > 0 {
		extra := o.Headers
		setter = func(req *http.Request) {
			if headers != nil {
				headers(req)
			}
			for k, v := range extra {
				req.Header.Set(k, v)
			}
		}
	}
	cfg := o.ClientConfig(defaultBaseURL)
	if o.HTTPClient != nil {
		return llmclient.NewWithHTTPClient(o.HTTPClient, cfg, setter)
	}
	return llmclient.New(cfg, setter)
}

// Constructor creates an adapter from an API key and options.
type Constructor func(apiKey string, opts ProviderOptions) core.Adapter

// Registration ties a provider type to its constructor.
type Registration struct {
	Type string
	New  Constructor
}

// ProviderFactory creates adapters from resolved provider configuration.
type ProviderFactory struct {
	mu             sync.RWMutex
	builders       map[string]Constructor
	hooks          llmclient.Hooks
	httpClient     *http.Client
	circuitBreaker *llmclient.CircuitBreakerConfig
}

// NewProviderFactory creates an empty factory.
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{builders: make(map[string]Constructor)}
}

// Add registers a provider type. Later registrations replace earlier ones.
func (f *ProviderFactory) Add(reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[reg.Type] = reg.New
}

// Supports reports whether a provider type is registered.
func (f *ProviderFactory) Supports(providerType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.builders[providerType]
	return ok
}

// SetHooks sets observability hooks passed to every adapter created afterwards.
func (f *ProviderFactory) SetHooks(hooks llmclient.Hooks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = hooks
}

// SetHTTPClient sets the shared upstream HTTP client.
func (f *ProviderFactory) SetHTTPClient(client *http.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.httpClient = client
}

// SetCircuitBreaker sets the circuit breaker configuration used for every adapter.
func (f *ProviderFactory) SetCircuitBreaker(cfg *llmclient.CircuitBreakerConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.circuitBreaker = cfg
}

// Create instantiates the adapter for a configured provider.
// Capability overrides from cfg are applied on top of the adapter's own.
func (f *ProviderFactory) Create(name string, cfg ProviderConfig) (core.Adapter, error) {
	f.mu.RLock()
	builder, ok := f.builders[cfg.Type]
	opts := ProviderOptions{
		Name:           name,
		BaseURL:        cfg.BaseURL,
		Headers:        cfg.Headers,
		Hooks:          f.hooks,
		HTTPClient:     f.httpClient,
		CircuitBreaker: f.circuitBreaker,
	}
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}

	adapter := builder(cfg.APIKey, opts)
	w := newAdapterWrapper(adapter, name, cfg.Tools, cfg.Streaming)
	w.keys = cfg.APIKeys
	return w, nil
}

// RegisteredTypes returns the sorted list of registered provider types.
func (f *ProviderFactory) RegisteredTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.builders))
	for t := range f.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
