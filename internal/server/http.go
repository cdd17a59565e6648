// Package server provides the HTTP edge of the proxy: routing, auth, CORS and SSE framing.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aiproxy/config"
	"aiproxy/internal/core"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const defaultMetricsPath = "/metrics"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	AuthToken       string // Optional: compared against the Authorization header
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   string // Max request body size in echo format (default: 10M)
}

// New creates a new HTTP server
func New(dispatcher Dispatcher, aliases AliasLister, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	handler := NewHandler(dispatcher, aliases)

	metricsPath := ""
	if cfg.MetricsEnabled {
		metricsPath = resolveMetricsPath(cfg.MetricsEndpoint)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: RequestIDHeader,
		RequestIDHandler: func(c echo.Context, id string) {
			ctx := core.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
		},
	}))
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		MaxAge:       86400,
	}))

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit != "" {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodySizeLimit))

	if cfg.AuthToken == "" {
		slog.Warn("server.auth_token is empty: the proxy accepts unauthenticated requests")
	}
	e.Use(AuthMiddleware(cfg.AuthToken, publicPaths(metricsPath)))

	// Public routes
	e.GET("/health", handler.Health)
	e.GET("/", handler.Health)
	e.GET("/v1/models", handler.ListModels)
	e.GET("/models", handler.ListModels)
	if metricsPath != "" {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// API routes
	e.POST("/v1/chat/completions", handler.ChatCompletion)
	e.POST("/chat/completions", handler.ChatCompletion)
	e.POST("/", handler.ChatCompletion)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// resolveMetricsPath normalizes the configured metrics path. Paths that could
// shadow API routes fall back to /metrics.
func resolveMetricsPath(endpoint string) string {
	if endpoint == "" {
		return defaultMetricsPath
	}
	// Normalize path to prevent traversal attacks
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/v1" || strings.HasPrefix(p, "/v1/") ||
		p == "/health" || p == "/models" || p == "/chat/completions" {
		slog.Warn("metrics endpoint collides with an API route, using default", "endpoint", endpoint, "path", defaultMetricsPath)
		return defaultMetricsPath
	}
	return p
}

// publicPaths lists the GET paths served without authentication.
func publicPaths(metricsPath string) map[string]bool {
	paths := map[string]bool{
		"/":          true,
		"/health":    true,
		"/models":    true,
		"/v1/models": true,
	}
	if metricsPath != "" {
		paths[metricsPath] = true
	}
	return paths
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("path", v.URIPath),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
