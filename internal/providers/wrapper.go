package providers

import (
	"context"

	"aiproxy/internal/core"
)

// adapterWrapper applies configured capability overrides and stamps the
// configured provider id on everything the inner adapter produces.
type adapterWrapper struct {
	inner core.Adapter
	name  string
	caps  core.Capabilities
	keys  []string
}

func newAdapterWrapper(inner core.Adapter, name string, tools, streaming *bool) *adapterWrapper {
	caps := inner.Capabilities()
	// Overrides can only narrow what the adapter is able to express.
	if tools != nil {
		caps.Tools = caps.Tools && *tools
	}
	if streaming != nil {
		caps.Streaming = caps.Streaming && *streaming
	}
	return &adapterWrapper{inner: inner, name: name, caps: caps}
}

func (w *adapterWrapper) Name() string { return w.name }

func (w *adapterWrapper) Capabilities() core.Capabilities { return w.caps }

// APIKeys returns the configured upstream keys in rotation order.
func (w *adapterWrapper) APIKeys() []string { return w.keys }

func (w *adapterWrapper) TranslateRequest(req *core.ChatRequest, target core.RouteTarget) (*core.ProviderRequest, error) {
	if err := CheckCapabilities(w.name, w.caps, req); err != nil {
		return nil, err
	}
	pr, err := w.inner.TranslateRequest(req, target)
	if err != nil {
		return nil, core.AsGatewayError(w.name, err)
	}
	pr.Provider = w.name
	return pr, nil
}

func (w *adapterWrapper) Invoke(ctx context.Context, req *core.ProviderRequest) (*core.ProviderResponse, error) {
	resp, err := w.inner.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Provider = w.name
	return resp, nil
}

func (w *adapterWrapper) InvokeStream(ctx context.Context, req *core.ProviderRequest) (core.ChunkStream, error) {
	stream, err := w.inner.InvokeStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &stampedStream{inner: stream, provider: w.name}, nil
}

func (w *adapterWrapper) TranslateResponse(resp *core.ProviderResponse) (*core.ChatResponse, error) {
	out, err := w.inner.TranslateResponse(resp)
	if err != nil {
		return nil, core.AsGatewayError(w.name, err)
	}
	out.Provider = w.name
	return out, nil
}

// CheckCapabilities rejects requests the adapter cannot express.
func CheckCapabilities(provider string, caps core.Capabilities, req *core.ChatRequest) error {
	if (req.HasTools() || req.HistoryHasToolCalls()) && !caps.Tools {
		return core.NewUnsupportedFeatureError(provider, "tools")
	}
	if req.Stream && !caps.Streaming {
		return core.NewUnsupportedFeatureError(provider, "streaming")
	}
	return nil
}

type stampedStream struct {
	inner    core.ChunkStream
	provider string
}

func (s *stampedStream) Next() (*core.StreamChunk, error) {
	chunk, err := s.inner.Next()
	if chunk != nil {
		chunk.Provider = s.provider
	}
	return chunk, err
}

func (s *stampedStream) Close() error { return s.inner.Close() }
