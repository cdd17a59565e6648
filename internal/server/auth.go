package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"aiproxy/internal/core"
)

// AuthMiddleware creates an Echo middleware that validates the auth token
// if it's configured. If token is empty, no authentication is required.
// The Authorization header may carry "Bearer <token>" or the bare token.
// GET requests to publicPaths and CORS preflights are never checked.
func AuthMiddleware(token string, publicPaths map[string]bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// If no token is configured, allow all requests
			if token == "" {
				return next(c)
			}

			req := c.Request()
			if req.Method == http.MethodOptions {
				return next(c)
			}
			if req.Method == http.MethodGet && publicPaths[req.URL.Path] {
				return next(c)
			}

			authHeader := strings.TrimSpace(req.Header.Get("Authorization"))
			if authHeader == "" {
				return handleError(c, core.NewAuthenticationError("", "missing authorization header"))
			}

			provided := authHeader
			if scheme, rest, ok := strings.Cut(authHeader, " "); ok && strings.EqualFold(scheme, "Bearer") {
				provided = strings.TrimSpace(rest)
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				return handleError(c, core.NewAuthenticationError("", "invalid auth token"))
			}

			// Authentication successful, proceed to next handler
			return next(c)
		}
	}
}
