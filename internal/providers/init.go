package providers

import (
	"fmt"
	"log/slog"
	"sort"

	"aiproxy/config"
	"aiproxy/internal/core"
)

// InitResult holds the initialized provider infrastructure.
type InitResult struct {
	Registry *Registry
	Router   *Router
	Factory  *ProviderFactory
}

// Init creates every usable provider adapter and the alias router.
// Hooks, HTTP client and circuit breaker should be set on the factory beforehand.
func Init(cfg *config.Config, factory *ProviderFactory) (*InitResult, error) {
	if factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}

	adapters, table, err := build(cfg, factory)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	registry.Replace(adapters)

	slog.Info("router configured",
		"providers", registry.Len(),
		"aliases", table.Len(),
	)

	return &InitResult{
		Registry: registry,
		Router:   NewRouter(table),
		Factory:  factory,
	}, nil
}

// Reload rebuilds adapters and routes from cfg and swaps them in.
// On error nothing is swapped and the previous configuration keeps serving.
func (r *InitResult) Reload(cfg *config.Config) error {
	adapters, table, err := build(cfg, r.Factory)
	if err != nil {
		return err
	}
	// Adapters first: a new route never points at a missing adapter.
	r.Registry.Replace(adapters)
	r.Router.Swap(table)
	slog.Info("configuration reloaded", "providers", len(adapters), "aliases", table.Len())
	return nil
}

func build(cfg *config.Config, factory *ProviderFactory) (map[string]core.Adapter, *RouteTable, error) {
	resolved := resolveProviders(cfg.Providers)

	// A stray *_API_KEY in the environment must not take startup down.
	for name := range resolved.Discovered {
		if p, ok := resolved.Usable[name]; ok && !factory.Supports(p.Type) {
			slog.Warn("skipping provider declared by environment: type not registered",
				"provider", name, "type", p.Type)
			delete(resolved.Usable, name)
		}
	}

	adapters, err := createAdapters(resolved.Usable, factory)
	if err != nil {
		return nil, nil, err
	}

	table, err := BuildRouteTable(cfg.Models, resolved)
	if err != nil {
		return nil, nil, err
	}
	return adapters, table, nil
}

// createAdapters instantiates all usable providers in sorted order.
func createAdapters(providers map[string]ProviderConfig, factory *ProviderFactory) (map[string]core.Adapter, error) {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	adapters := make(map[string]core.Adapter, len(names))
	for _, name := range names {
		pCfg := providers[name]
		a, err := factory.Create(name, pCfg)
		if err != nil {
			return nil, fmt.Errorf("providers.%s: %w", name, err)
		}
		adapters[name] = a
		slog.Info("provider initialized", "name", name, "type", pCfg.Type)
	}
	return adapters, nil
}
