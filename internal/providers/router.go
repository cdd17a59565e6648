package providers

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync/atomic"

	"aiproxy/config"
	"aiproxy/internal/core"
)

// RouteTable is an immutable alias -> route mapping.
type RouteTable struct {
	routes  map[string]*core.Route
	aliases []string
}

// BuildRouteTable builds the alias table from configuration.
//
// Targets pointing at a provider that is declared but has no usable credentials
// are dropped with a warning, and so are aliases left without targets. A target
// naming a provider that is not declared anywhere is a configuration error.
func BuildRouteTable(models map[string]config.ModelConfig, resolved ResolvedProviders) (*RouteTable, error) {
	table := &RouteTable{routes: make(map[string]*core.Route, len(models))}

	names := make([]string, 0, len(models))
	for alias := range models {
		names = append(names, alias)
	}
	sort.Strings(names)

	for _, alias := range names {
		mc := models[alias]
		route := &core.Route{
			Alias:   alias,
			Policy:  mc.Policy,
			Mode:    mc.Mode,
			Timeout: mc.Timeout,
		}
		if route.Policy == "" {
			route.Policy = config.PolicyFirstSuccess
		}
		if route.Mode == "" {
			route.Mode = config.ModeParallel
		}

		for i, t := range mc.Targets {
			if _, ok := resolved.Usable[t.Provider]; ok {
				route.Targets = append(route.Targets, core.RouteTarget{
					Provider: t.Provider,
					Model:    t.Model,
					Params:   t.Params,
				})
				continue
			}
			if _, ok := resolved.Declared[t.Provider]; ok {
				slog.Warn("dropping alias target: provider has no credentials",
					"alias", alias, "target", i, "provider", t.Provider)
				continue
			}
			return nil, fmt.Errorf("models.%s.targets[%d]: unknown provider %q", alias, i, t.Provider)
		}

		if len(route.Targets) == 0 {
			slog.Warn("dropping alias: no usable targets", "alias", alias)
			continue
		}
		table.routes[alias] = route
		table.aliases = append(table.aliases, alias)
	}

	return table, nil
}

// Len returns the number of aliases.
func (t *RouteTable) Len() int { return len(t.routes) }

// Router resolves aliases against the current route table.
// The table is swapped atomically on reload; in-flight requests keep the route they resolved.
type Router struct {
	table atomic.Pointer[RouteTable]
}

// NewRouter creates a router serving table.
func NewRouter(table *RouteTable) *Router {
	r := &Router{}
	r.Swap(table)
	return r
}

// Swap installs a new route table.
func (r *Router) Swap(table *RouteTable) {
	if table == nil {
		table = &RouteTable{routes: map[string]*core.Route{}}
	}
	r.table.Store(table)
}

// Resolve returns the route configured for alias. Matching is exact.
func (r *Router) Resolve(alias string) (*core.Route, error) {
	if strings.TrimSpace(alias) == "" {
		return nil, core.NewInvalidRequestError("invalid request: model is required", nil)
	}
	route, ok := r.table.Load().routes[alias]
	if !ok {
		return nil, core.NewUnknownAliasError(alias)
	}
	// Callers get their own copy; the table is shared by every request.
	out := *route
	out.Targets = make([]core.RouteTarget, len(route.Targets))
	for i, t := range route.Targets {
		out.Targets[i] = t
		if t.Params != nil {
			out.Targets[i].Params = maps.Clone(t.Params)
		}
	}
	return &out, nil
}

// Aliases returns the configured alias names in sorted order.
func (r *Router) Aliases() []string {
	aliases := r.table.Load().aliases
	out := make([]string, len(aliases))
	copy(out, aliases)
	return out
}
