// Package core defines the core interfaces and types for the proxy.
package core

import (
	"context"
	"time"
)

// Capabilities describes what an adapter can express for its target.
type Capabilities struct {
	Tools     bool
	Streaming bool
}

// RouteTarget is one concrete (provider, upstream model) pair an alias resolves to.
type RouteTarget struct {
	Provider string
	Model    string
	// Params are merged into the top level of the provider payload.
	Params map[string]any
}

// Route is the resolved configuration for one alias. It is shared read-only across requests.
type Route struct {
	Alias   string
	Targets []RouteTarget
	Policy  string
	Mode    string
	Timeout time.Duration
}

// ProviderRequest is a provider-native wire payload produced by TranslateRequest.
type ProviderRequest struct {
	Provider string
	Model    string
	Endpoint string
	Body     []byte
	Stream   bool
}

// ProviderResponse is the raw provider-native answer to a non-streaming invocation.
type ProviderResponse struct {
	Provider   string
	Model      string
	StatusCode int
	Body       []byte
}

// ChunkStream is a finite, non-restartable sequence of normalized chunks.
// Next returns io.EOF after the last chunk. Close releases the underlying
// connection; it is safe to call more than once and from any exit path.
type ChunkStream interface {
	Next() (*StreamChunk, error)
	Close() error
}

// Adapter translates between the common shape and one provider's native API.
// Implementations hold no per-request mutable state and are safe for concurrent use.
type Adapter interface {
	// Name is the configured provider id.
	Name() string

	// Capabilities reports what the adapter can express.
	Capabilities() Capabilities

	// TranslateRequest deterministically builds the provider payload for target.
	TranslateRequest(req *ChatRequest, target RouteTarget) (*ProviderRequest, error)

	// Invoke performs exactly one outbound call. No retries.
	Invoke(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)

	// InvokeStream opens a streaming call and returns normalized chunks (caller must close).
	InvokeStream(ctx context.Context, req *ProviderRequest) (ChunkStream, error)

	// TranslateResponse maps a provider-native response to the common shape.
	TranslateResponse(resp *ProviderResponse) (*ChatResponse, error)
}

// KeyRing is implemented by adapters configured with more than one upstream
// credential. The dispatcher tries the keys in order within an attempt.
type KeyRing interface {
	APIKeys() []string
}

// AliasResolver maps a client-facing alias to its route.
type AliasResolver interface {
	Resolve(alias string) (*Route, error)
	Aliases() []string
}

// AdapterLookup returns the adapter registered for a provider id.
type AdapterLookup interface {
	Adapter(provider string) (Adapter, bool)
}
