package llmclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"aiproxy/internal/core"
)

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"hello"}`))
	}))
	defer server.Close()

	client := New(
		DefaultConfig("test", server.URL),
		func(req *http.Request) {
			req.Header.Set("X-Test", "value")
		},
	)

	var result struct {
		Message string `json:"message"`
	}
	err := client.Do(context.Background(), Request{
		Method:   http.MethodGet,
		Endpoint: "/test",
	}, &result)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message != "hello" {
		t.Errorf("expected message 'hello', got '%s'", result.Message)
	}
}

func TestClient_Do_RawBodyTakesPrecedence(t *testing.T) {
	var received []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type 'application/json', got '%s'", r.Header.Get("Content-Type"))
		}
		received, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)
	raw := []byte(`{"b":1,"a":2}`)
	_, err := client.DoRaw(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/test",
		Body:     map[string]int{"ignored": 1},
		RawBody:  raw,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(received, raw) {
		t.Errorf("body = %s, want %s", received, raw)
	}
}

func TestClient_Do_Headers(t *testing.T) {
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer token")
	})

	err := client.Do(context.Background(), Request{
		Method:   http.MethodGet,
		Endpoint: "/test",
		Headers: map[string]string{
			"X-Custom": "custom-value",
		},
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedHeaders.Get("Authorization") != "Bearer token" {
		t.Errorf("expected Authorization header 'Bearer token', got '%s'", receivedHeaders.Get("Authorization"))
	}
	if receivedHeaders.Get("X-Custom") != "custom-value" {
		t.Errorf("expected X-Custom header 'custom-value', got '%s'", receivedHeaders.Get("X-Custom"))
	}
}

func TestClient_Do_ErrorParsing(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantType   core.ErrorType
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limited"}}`, core.ErrorTypeRateLimit},
		{"authentication", http.StatusUnauthorized, `{"error":{"message":"Invalid API key"}}`, core.ErrorTypeAuthentication},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"Invalid model"}}`, core.ErrorTypeUpstream},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"Server error"}}`, core.ErrorTypeUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := New(DefaultConfig("test", server.URL), nil)

			err := client.Do(context.Background(), Request{
				Method:   http.MethodGet,
				Endpoint: "/test",
			}, nil)

			if err == nil {
				t.Fatal("expected error, got nil")
			}
			gatewayErr, ok := err.(*core.GatewayError)
			if !ok {
				t.Fatalf("expected GatewayError, got %T", err)
			}
			if gatewayErr.Type != tt.wantType {
				t.Errorf("expected error type %s, got %s", tt.wantType, gatewayErr.Type)
			}
		})
	}
}

func TestClient_Do_SingleAttempt(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/test"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", got)
	}
}

func TestClient_DoStream_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"chunk\":1}\n\n"))
		_, _ = w.Write([]byte("data: {\"chunk\":2}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)

	stream, err := client.DoStream(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/stream",
		Body:     map[string]bool{"stream": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()

	body, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}

	if !strings.Contains(string(body), "chunk") {
		t.Errorf("expected body to contain 'chunk', got: %s", string(body))
	}
}

func TestClient_DoStream_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API key"}}`))
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)

	_, err := client.DoStream(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/stream",
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	gatewayErr, ok := err.(*core.GatewayError)
	if !ok {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if gatewayErr.Type != core.ErrorTypeAuthentication {
		t.Errorf("expected error type %s, got %s", core.ErrorTypeAuthentication, gatewayErr.Type)
	}
}

func TestClient_DecodesCompressedBodies(t *testing.T) {
	payload := []byte(`{"message":"compressed"}`)

	tests := []struct {
		name     string
		encoding string
		encode   func([]byte) []byte
	}{
		{"brotli", "br", func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		}},
		{"gzip", "gzip", func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.Contains(r.Header.Get("Accept-Encoding"), tt.encoding) {
					t.Errorf("Accept-Encoding = %q, want to contain %q", r.Header.Get("Accept-Encoding"), tt.encoding)
				}
				w.Header().Set("Content-Encoding", tt.encoding)
				_, _ = w.Write(tt.encode(payload))
			}))
			defer server.Close()

			client := New(DefaultConfig("test", server.URL), nil)

			var result struct {
				Message string `json:"message"`
			}
			if err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, &result); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Message != "compressed" {
				t.Errorf("Message = %q, want compressed", result.Message)
			}

			stream, err := client.DoStream(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"})
			if err != nil {
				t.Fatalf("unexpected stream error: %v", err)
			}
			defer stream.Close()
			body, _ := io.ReadAll(stream)
			if !json.Valid(body) {
				t.Errorf("stream body not decoded: %q", body)
			}
		})
	}
}

func TestClient_Hooks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	type ctxKey struct{}
	var started RequestInfo
	var ended ResponseInfo
	var sawCtx bool

	cfg := DefaultConfig("test", server.URL)
	cfg.Hooks = Hooks{
		OnRequestStart: func(ctx context.Context, info RequestInfo) context.Context {
			started = info
			return context.WithValue(ctx, ctxKey{}, true)
		},
		OnRequestEnd: func(ctx context.Context, info ResponseInfo) {
			sawCtx, _ = ctx.Value(ctxKey{}).(bool)
			ended = info
		},
	}
	client := New(cfg, nil)

	_ = client.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/chat", Model: "m1"}, nil)

	if started.Provider != "test" || started.Model != "m1" || started.Endpoint != "/chat" {
		t.Errorf("start info = %+v", started)
	}
	if !sawCtx {
		t.Error("end hook should receive the context returned by the start hook")
	}
	if ended.StatusCode != http.StatusTooManyRequests {
		t.Errorf("end status = %d, want 429", ended.StatusCode)
	}
	if ended.Err == nil {
		t.Error("end hook should receive the error")
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"Server error"}}`))
	}))
	defer server.Close()

	config := DefaultConfig("test", server.URL)
	config.CircuitBreaker = &CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          1 * time.Second,
	}
	client := New(config, nil)

	// Make requests until circuit opens
	for i := 0; i < 5; i++ {
		_ = client.Do(context.Background(), Request{
			Method:   http.MethodGet,
			Endpoint: "/test",
		}, nil)
	}

	// Circuit should be open now - requests should fail immediately
	err := client.Do(context.Background(), Request{
		Method:   http.MethodGet,
		Endpoint: "/test",
	}, nil)

	if err == nil {
		t.Fatal("expected circuit breaker error")
	}
	gatewayErr, ok := err.(*core.GatewayError)
	if !ok {
		t.Fatalf("expected GatewayError, got %T", err)
	}
	if gatewayErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, gatewayErr.StatusCode)
	}
	if !strings.Contains(gatewayErr.Message, "circuit breaker") {
		t.Errorf("expected circuit breaker message, got: %s", gatewayErr.Message)
	}

	// Should have made exactly 3 requests (threshold)
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts before circuit opened, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestCircuitBreaker_ClosesAfterTimeout(t *testing.T) {
	var shouldSucceed atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSucceed.Load() {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"Server error"}}`))
	}))
	defer server.Close()

	config := DefaultConfig("test", server.URL)
	config.CircuitBreaker = &CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}
	client := New(config, nil)

	for i := 0; i < 2; i++ {
		_ = client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/test"}, nil)
	}

	if err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/test"}, nil); err == nil {
		t.Fatal("expected circuit to be open")
	}

	time.Sleep(100 * time.Millisecond)
	shouldSucceed.Store(true)

	var result struct {
		Success bool `json:"success"`
	}
	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/test"}, &result)
	if err != nil {
		t.Fatalf("expected success after timeout, got: %v", err)
	}
	if !result.Success {
		t.Error("expected success to be true")
	}
}

func TestCircuitBreaker_State(t *testing.T) {
	cb := newCircuitBreaker(3, 2, time.Minute)

	if state := cb.State(); state != "closed" {
		t.Errorf("expected initial state 'closed', got '%s'", state)
	}

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if state := cb.State(); state != "open" {
		t.Errorf("expected state 'open' after failures, got '%s'", state)
	}
}

func TestClient_CircuitBreakerDisabled(t *testing.T) {
	cfg := DefaultConfig("test", "http://unused")
	cfg.CircuitBreaker = &CircuitBreakerConfig{}
	if New(cfg, nil).circuitBreaker != nil {
		t.Error("zero failure threshold should disable the circuit breaker")
	}
}

func TestClient_DeadlineBecomesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Do(ctx, Request{Method: http.MethodGet, Endpoint: "/test"}, nil)
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %T (%v)", err, err)
	}
	if gwErr.Type != core.ErrorTypeTimeout {
		t.Errorf("Type = %s, want %s", gwErr.Type, core.ErrorTypeTimeout)
	}
}

func TestClient_CancellationPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(DefaultConfig("test", server.URL), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.DoStream(ctx, Request{Method: http.MethodGet, Endpoint: "/test"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_SetBaseURL(t *testing.T) {
	client := New(DefaultConfig("test", "https://original.com"), nil)

	if client.BaseURL() != "https://original.com" {
		t.Errorf("expected base URL 'https://original.com', got '%s'", client.BaseURL())
	}

	client.SetBaseURL("https://new.com/")

	if client.BaseURL() != "https://new.com" {
		t.Errorf("expected base URL 'https://new.com', got '%s'", client.BaseURL())
	}
}
