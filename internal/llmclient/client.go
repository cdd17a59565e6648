// Package llmclient provides a base HTTP client for LLM providers with:
// - Request marshaling/unmarshaling
// - Standardized error parsing (429, 5xx)
// - Circuit breaking
// - Observability hooks
// - Transparent gzip/brotli response decoding
//
// The client performs exactly one HTTP attempt per call. Retries belong to the caller.
package llmclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"aiproxy/internal/core"
	"aiproxy/internal/httpclient"
)

// Config holds configuration for the LLM client
type Config struct {
	// ProviderName identifies the provider for error messages
	ProviderName string

	// BaseURL is the API base URL
	BaseURL string

	// Hooks are invoked around every outbound request
	Hooks Hooks

	// Circuit breaker configuration (nil disables it)
	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close an open circuit
	SuccessThreshold int
	// Timeout is how long to wait before attempting to close an open circuit
	Timeout time.Duration
}

// RequestInfo describes an outbound request for hooks.
type RequestInfo struct {
	Provider string
	Model    string
	Endpoint string
	Stream   bool
}

// ResponseInfo describes the result of an outbound request for hooks.
type ResponseInfo struct {
	Provider   string
	Model      string
	Endpoint   string
	Stream     bool
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Hooks lets observability code watch upstream traffic without the client importing it.
type Hooks struct {
	OnRequestStart func(ctx context.Context, info RequestInfo) context.Context
	OnRequestEnd   func(ctx context.Context, info ResponseInfo)
}

// DefaultConfig returns default client configuration
func DefaultConfig(providerName, baseURL string) Config {
	return Config{
		ProviderName: providerName,
		BaseURL:      baseURL,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// HeaderSetter is a function that sets headers on an HTTP request
type HeaderSetter func(req *http.Request)

// Client is a base HTTP client for LLM providers
type Client struct {
	httpClient     *http.Client
	config         Config
	headerSetter   HeaderSetter
	circuitBreaker *circuitBreaker
}

// New creates a new LLM client with the given configuration
func New(config Config, headerSetter HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.NewDefaultHTTPClient(), config, headerSetter)
}

// NewWithHTTPClient creates a new LLM client with a custom HTTP client
func NewWithHTTPClient(httpClient *http.Client, config Config, headerSetter HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient:   httpClient,
		config:       config,
		headerSetter: headerSetter,
	}

	if config.CircuitBreaker != nil && config.CircuitBreaker.FailureThreshold > 0 {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}

	return c
}

// SetBaseURL updates the base URL
func (c *Client) SetBaseURL(url string) {
	c.config.BaseURL = strings.TrimRight(url, "/")
}

// BaseURL returns the current base URL
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// Request represents an HTTP request to be made
type Request struct {
	Method   string
	Endpoint string
	// Body is JSON marshaled if not nil. RawBody takes precedence when set.
	Body    interface{}
	RawBody []byte
	Headers map[string]string
	// Model is only used for hooks.
	Model string
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
}

// Do executes a request and unmarshals a 2xx response into result
func (c *Client) Do(ctx context.Context, req Request, result interface{}) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewUpstreamError(c.config.ProviderName, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
		}
	}

	return nil
}

// DoRaw executes a single request with circuit breaking, returning the raw response.
// Non-2xx responses are converted to a *core.GatewayError.
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	if err := c.allow(); err != nil {
		return nil, err
	}

	ctx, finish := c.startHooks(ctx, req, false)

	resp, err := c.doRequest(ctx, req)
	if err != nil {
		c.recordFailure()
		finish(0, err)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure()
		}
		gwErr := core.ParseProviderError(c.config.ProviderName, resp.StatusCode, resp.Body, nil)
		finish(resp.StatusCode, gwErr)
		return nil, gwErr
	}

	c.recordSuccess()
	finish(resp.StatusCode, nil)
	return resp, nil
}

// DoStream executes a streaming request, returning the decoded body (caller must close).
func (c *Client) DoStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := c.allow(); err != nil {
		return nil, err
	}

	ctx, finish := c.startHooks(ctx, req, true)

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		finish(0, err)
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		gwErr := c.transportError(ctx, err)
		finish(0, gwErr)
		return nil, gwErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := readBody(resp)
		if readErr != nil {
			respBody = []byte("failed to read error response")
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure()
		}
		gwErr := core.ParseProviderError(c.config.ProviderName, resp.StatusCode, respBody, nil)
		finish(resp.StatusCode, gwErr)
		return nil, gwErr
	}

	body, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		gwErr := core.NewUpstreamError(c.config.ProviderName, http.StatusBadGateway, "failed to decode response: "+err.Error(), err)
		finish(resp.StatusCode, gwErr)
		return nil, gwErr
	}

	c.recordSuccess()
	finish(resp.StatusCode, nil)
	return body, nil
}

// doRequest executes a single HTTP request and reads the whole body
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.transportError(ctx, err)
		}
		return nil, core.NewUpstreamError(c.config.ProviderName, http.StatusBadGateway, "failed to read response: "+err.Error(), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// transportError maps a failed round trip to a gateway error.
// A context deadline becomes a timeout; cancellation is passed through as is.
func (c *Client) transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return core.NewTimeoutError(c.config.ProviderName, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	}
	return core.NewUpstreamError(c.config.ProviderName, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
}

// buildRequest creates an HTTP request from a Request
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := c.config.BaseURL + req.Endpoint

	var bodyReader io.Reader
	hasBody := false
	switch {
	case req.RawBody != nil:
		bodyReader = bytes.NewReader(req.RawBody)
		hasBody = true
	case req.Body != nil:
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewInvalidRequestError("failed to marshal request", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
		hasBody = true
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}

	if hasBody {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, br")

	// Apply provider-specific headers
	if c.headerSetter != nil {
		c.headerSetter(httpReq)
	}

	// Apply request-specific headers
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

func (c *Client) startHooks(ctx context.Context, req Request, stream bool) (context.Context, func(status int, err error)) {
	hooks := c.config.Hooks
	if hooks.OnRequestStart == nil && hooks.OnRequestEnd == nil {
		return ctx, func(int, error) {}
	}
	if hooks.OnRequestStart != nil {
		ctx = hooks.OnRequestStart(ctx, RequestInfo{
			Provider: c.config.ProviderName,
			Model:    req.Model,
			Endpoint: req.Endpoint,
			Stream:   stream,
		})
	}
	start := time.Now()
	return ctx, func(status int, err error) {
		if hooks.OnRequestEnd == nil {
			return
		}
		hooks.OnRequestEnd(ctx, ResponseInfo{
			Provider:   c.config.ProviderName,
			Model:      req.Model,
			Endpoint:   req.Endpoint,
			Stream:     stream,
			StatusCode: status,
			Duration:   time.Since(start),
			Err:        err,
		})
	}
}

func (c *Client) allow() error {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return core.NewUpstreamError(c.config.ProviderName, http.StatusServiceUnavailable,
			"circuit breaker is open - provider temporarily unavailable", nil)
	}
	return nil
}

func (c *Client) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

// readBody reads and decodes the full response body.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(body)
}

// decodeBody wraps resp.Body according to Content-Encoding. Closing the
// returned reader closes the underlying body.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr, body: resp.Body, closer: zr}, nil
	default:
		return resp.Body, nil
	}
}

type decodedBody struct {
	io.Reader
	body   io.Closer
	closer io.Closer
}

func (d *decodedBody) Close() error {
	var err error
	if d.closer != nil {
		err = d.closer.Close()
	}
	return errors.Join(err, d.body.Close())
}

// circuitBreaker implements a simple circuit breaker pattern
type circuitBreaker struct {
	mu               sync.RWMutex
	state            circuitState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	lastFailure      time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func newCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Allow checks if a request should be allowed through the circuit breaker
func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		// Check if timeout has passed
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.state = circuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}
	return true
}

// RecordSuccess records a successful request
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = circuitClosed
			cb.failures = 0
		}
	case circuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case circuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = circuitOpen
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.successes = 0
	}
}

// State returns the current circuit state (for testing/monitoring)
func (cb *circuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}
