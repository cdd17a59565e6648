// Package core provides core types and interfaces for the proxy.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed request or an unknown alias (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	// ErrorTypeUnsupportedFeature indicates an adapter cannot express a requested capability
	ErrorTypeUnsupportedFeature ErrorType = "unsupported_feature"
	// ErrorTypeUpstream indicates a provider returned non-2xx or a malformed payload
	ErrorTypeUpstream ErrorType = "upstream_error"
	// ErrorTypeRateLimit indicates a provider rate limit (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAuthentication indicates an authentication error (401)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeTimeout indicates a per-target deadline was exceeded (504)
	ErrorTypeTimeout ErrorType = "timeout_error"
	// ErrorTypeAllFailed indicates every target of a fan-out failed (502)
	ErrorTypeAllFailed ErrorType = "all_failed"
	// ErrorTypeInternal is used for errors that are not GatewayErrors
	ErrorTypeInternal ErrorType = "internal_error"
)

// GatewayError is the base error type for all proxy errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	// Causes holds per-target errors for ErrorTypeAllFailed.
	Causes []*GatewayError `json:"-"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest, ErrorTypeUnsupportedFeature:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUpstream, ErrorTypeAllFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the dispatch engine may retry the failed invocation.
func (e *GatewayError) Retryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit:
		return true
	case ErrorTypeUpstream:
		switch e.HTTPStatusCode() {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type":    e.Type,
		"message": e.Message,
	}
	if len(e.Causes) > 0 {
		causes := make([]map[string]interface{}, 0, len(e.Causes))
		for _, c := range e.Causes {
			causes = append(causes, map[string]interface{}{
				"provider": c.Provider,
				"model":    c.Model,
				"type":     c.Type,
				"message":  c.Message,
			})
		}
		body["errors"] = causes
	}
	return map[string]interface{}{"error": body}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return NewInvalidRequestErrorWithStatus(http.StatusBadRequest, message, err)
}

// NewInvalidRequestErrorWithStatus creates a new invalid request error with a specific status code
func NewInvalidRequestErrorWithStatus(statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewUnknownAliasError reports a router miss (404).
func NewUnknownAliasError(alias string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    fmt.Sprintf("model %q is not configured", alias),
		StatusCode: http.StatusNotFound,
	}
}

// NewUnsupportedFeatureError reports that a provider cannot express a requested capability.
func NewUnsupportedFeatureError(provider, feature string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeUnsupportedFeature,
		Message:    fmt.Sprintf("provider %s does not support %s", provider, feature),
		StatusCode: http.StatusBadRequest,
		Provider:   provider,
	}
}

// NewUpstreamError creates a new upstream error (502 unless statusCode is set)
func NewUpstreamError(provider string, statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeUpstream,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Provider:   provider,
	}
}

// NewTimeoutError reports a deadline exceeded on a target (504).
func NewTimeoutError(provider string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeTimeout,
		Message:    "deadline exceeded waiting for provider " + provider,
		StatusCode: http.StatusGatewayTimeout,
		Provider:   provider,
		Err:        err,
	}
}

// NewAllFailedError aggregates every per-target error of a fan-out.
func NewAllFailedError(causes []*GatewayError) *GatewayError {
	names := make([]string, 0, len(causes))
	for _, c := range causes {
		names = append(names, c.Provider)
	}
	return &GatewayError{
		Type:       ErrorTypeAllFailed,
		Message:    fmt.Sprintf("all %d providers failed (%s)", len(causes), strings.Join(names, ", ")),
		StatusCode: http.StatusBadGateway,
		Causes:     causes,
	}
}

// ParseProviderError parses an error response from a provider and returns an appropriate GatewayError
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *GatewayError {
	message := strings.TrimSpace(string(body))
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			message = v.String()
			break
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(provider, message)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, message)
	case statusCode >= 400 && statusCode < 500:
		// Provider rejected the request: keep its status so the client sees the same class.
		return NewUpstreamError(provider, statusCode, message, originalErr)
	default:
		err := NewUpstreamError(provider, http.StatusBadGateway, message, originalErr)
		if statusCode == http.StatusServiceUnavailable || statusCode == http.StatusGatewayTimeout {
			err.StatusCode = statusCode
		}
		return err
	}
}

// AsGatewayError converts any error into a GatewayError attributed to provider.
// Context deadline errors become timeout errors.
func AsGatewayError(provider string, err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Provider == "" && provider != "" {
			clone := *gwErr
			clone.Provider = provider
			return &clone
		}
		return gwErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(provider, err)
	}
	return NewUpstreamError(provider, http.StatusBadGateway, err.Error(), err)
}
