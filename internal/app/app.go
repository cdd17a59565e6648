// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the proxy server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"aiproxy/config"
	"aiproxy/internal/auditlog"
	"aiproxy/internal/cache"
	"aiproxy/internal/dispatch"
	"aiproxy/internal/httpclient"
	"aiproxy/internal/llmclient"
	"aiproxy/internal/observability"
	"aiproxy/internal/providers"
	"aiproxy/internal/server"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config    *config.Config
	providers *providers.InitResult
	audit     *auditlog.Result
	cache     *cache.ResponseCache
	engine    *dispatch.Engine
	server    *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig holds the loaded application configuration.
	AppConfig *config.Config

	// Factory provides the ProviderFactory used to construct adapters.
	// Provider types must be registered on it beforehand.
	Factory *providers.ProviderFactory
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("factory is required")
	}

	appCfg := cfg.AppConfig
	app := &App{config: appCfg}

	// Hooks, client and breaker must be set BEFORE creating adapters so they pick them up
	var observer dispatch.Observer
	if appCfg.Metrics.Enabled {
		cfg.Factory.SetHooks(observability.NewPrometheusHooks())
		observer = observability.NewDispatchMetrics()
	}
	httpCfg := httpclient.ConfigFromSeconds(appCfg.HTTP.Timeout, appCfg.HTTP.ResponseHeaderTimeout)
	cfg.Factory.SetHTTPClient(httpclient.NewHTTPClient(&httpCfg))
	if cb := appCfg.Resilience.CircuitBreaker; cb.FailureThreshold > 0 {
		cfg.Factory.SetCircuitBreaker(&llmclient.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout,
		})
	}

	providerResult, err := providers.Init(appCfg, cfg.Factory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	app.providers = providerResult

	responseCache, err := newResponseCache(ctx, appCfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}
	app.cache = responseCache

	// Initialize dispatch logging
	auditResult, err := auditlog.New(ctx, appCfg)
	if err != nil {
		if app.cache != nil {
			if closeErr := app.cache.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to initialize dispatch log: %w (also: cache close error: %v)", err, closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize dispatch log: %w", err)
	}
	app.audit = auditResult

	app.logStartupInfo()

	app.engine = dispatch.New(providerResult.Router, providerResult.Registry, dispatch.Options{
		Timeout:  appCfg.Dispatch.Timeout,
		Retry:    appCfg.Dispatch.Retry,
		Cache:    responseCache,
		Log:      auditResult.Logger,
		Observer: observer,
	})

	app.server = server.New(server.FromEngine(app.engine), providerResult.Router, &server.Config{
		AuthToken:       appCfg.Server.AuthToken,
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodySizeLimit,
	})

	return app, nil
}

// newResponseCache builds the configured response cache, or nil when caching is off.
func newResponseCache(ctx context.Context, cfg config.CacheConfig) (*cache.ResponseCache, error) {
	switch cfg.Type {
	case "local":
		return cache.NewResponseCache(cache.NewLocalCache(cfg.TTL, 0)), nil
	case "redis":
		backend, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			URL:    cfg.Redis.URL,
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		return cache.NewResponseCache(backend), nil
	default:
		return nil, nil
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.server
}

// Engine returns the dispatch engine.
func (a *App) Engine() *dispatch.Engine {
	return a.engine
}

// Reload re-reads provider and alias configuration from cfg and swaps it in.
// Server, cache and dispatch log settings are not reloaded.
func (a *App) Reload(cfg *config.Config) error {
	if err := a.providers.Reload(cfg); err != nil {
		return fmt.Errorf("reload failed, keeping previous configuration: %w", err)
	}
	return nil
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first (honoring ctx), then the response cache, then the
// dispatch log, which flushes pending entries.
//
// Shutdown is idempotent; every step is attempted and failures are joined.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Close the response cache
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	// 3. Close dispatch logging (flushes pending entries)
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			slog.Error("dispatch log close error", "error", err)
			errs = append(errs, fmt.Errorf("dispatch log close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	// Security warnings
	if cfg.Server.AuthToken == "" {
		slog.Warn("SECURITY WARNING: PROXY_AUTH_TOKEN not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set PROXY_AUTH_TOKEN to secure this proxy")
	} else {
		slog.Info("authentication enabled", "mode", "auth_token")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("response cache configured", "type", cfg.Cache.Type, "ttl", cfg.Cache.TTL)

	if cfg.DispatchLog.Enabled {
		slog.Info("dispatch log enabled",
			"storage_type", cfg.Storage.Type,
			"buffer_size", cfg.DispatchLog.BufferSize,
			"flush_interval", cfg.DispatchLog.FlushInterval,
			"retention_days", cfg.DispatchLog.RetentionDays,
		)
	} else {
		slog.Info("dispatch log disabled")
	}

	slog.Info("dispatch defaults",
		"timeout", cfg.Dispatch.Timeout,
		"max_retries", cfg.Dispatch.Retry.MaxRetries,
	)
}
