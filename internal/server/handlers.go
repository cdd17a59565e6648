package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"aiproxy/internal/core"
)

const (
	// ProviderHeader names the provider that produced the response.
	ProviderHeader = "X-Proxy-Provider"
	// TimeoutHeader overrides the per-target deadline: seconds ("30", "2.5") or a Go duration ("1500ms").
	TimeoutHeader = "X-Request-Timeout"

	serviceName  = "ai-worker-proxy"
	modelOwnedBy = "aiproxy"
)

// Handler holds the HTTP handlers
type Handler struct {
	dispatcher Dispatcher
	aliases    AliasLister
	started    time.Time
	now        func() time.Time
}

// NewHandler creates a new handler dispatching through dispatcher
func NewHandler(dispatcher Dispatcher, aliases AliasLister) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		aliases:    aliases,
		started:    time.Now(),
		now:        time.Now,
	}
}

// ChatCompletion handles POST /v1/chat/completions
func (h *Handler) ChatCompletion(c echo.Context) error {
	var req core.ChatRequest
	// Decoded regardless of Content-Type: clients often omit it.
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	ctx := c.Request().Context()
	if v := c.Request().Header.Get(TimeoutHeader); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return handleError(c, core.NewInvalidRequestError("invalid "+TimeoutHeader+" header: "+err.Error(), err))
		}
		ctx = core.WithTargetTimeout(ctx, d)
	}

	if req.Stream {
		return h.streamChatCompletion(ctx, c, &req)
	}

	resp, err := h.dispatcher.Chat(ctx, &req)
	if err != nil {
		return handleError(c, err)
	}
	if resp.Provider != "" {
		c.Response().Header().Set(ProviderHeader, resp.Provider)
	}
	return c.JSON(http.StatusOK, resp)
}

// streamChatCompletion relays the selected target's chunks as server-sent events.
// Failures before the first byte are plain JSON errors; later ones become an error frame.
// Every stream that got headers ends with exactly one [DONE].
func (h *Handler) streamChatCompletion(ctx context.Context, c echo.Context, req *core.ChatRequest) error {
	stream, err := h.dispatcher.Stream(ctx, req)
	if err != nil {
		return handleError(c, err)
	}
	defer func() {
		_ = stream.Close() //nolint:errcheck
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(ProviderHeader, stream.Provider())
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if werr := sse.writeJSON(errorBody(err)); werr != nil {
				return nil
			}
			break
		}
		if err := sse.writeJSON(chunk); err != nil {
			// Can't return error after headers are sent, log it
			slog.Warn("stream write failed", "error", err, "request_id", core.GetRequestID(ctx))
			return nil
		}
	}
	_ = sse.close()
	return nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   serviceName,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// ListModels handles GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	aliases := h.aliases.Aliases()
	resp := core.ModelsResponse{
		Object: "list",
		Data:   make([]core.Model, 0, len(aliases)),
	}
	for _, alias := range aliases {
		resp.Data = append(resp.Data, core.Model{
			ID:      alias,
			Object:  "model",
			OwnedBy: modelOwnedBy,
			Created: h.started.Unix(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, fmt.Errorf("expected seconds or a duration, got %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", v)
	}
	return d, nil
}

// errorBody converts any error to the client error envelope.
func errorBody(err error) map[string]interface{} {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.ToJSON()
	}
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	}
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	// Fallback for unexpected errors
	slog.Error("unexpected error", "error", err, "request_id", core.GetRequestID(c.Request().Context()))
	return c.JSON(http.StatusInternalServerError, errorBody(err))
}

// errorHandler renders errors raised by echo itself (404, 405, body limit) in the same envelope.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = handleError(c, err)
		return
	}

	errType := "invalid_request"
	if he.Code >= http.StatusInternalServerError {
		errType = "internal_error"
	}
	message := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		message = m
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = c.JSON(he.Code, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}
