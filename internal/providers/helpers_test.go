package providers

import (
	"context"
	"io"
	"testing"

	"aiproxy/internal/core"
)

type fakeAdapter struct {
	name string
	caps core.Capabilities
	err  error
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) Capabilities() core.Capabilities { return f.caps }

func (f *fakeAdapter) TranslateRequest(req *core.ChatRequest, target core.RouteTarget) (*core.ProviderRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &core.ProviderRequest{Model: target.Model, Endpoint: "/chat", Stream: req.Stream, Body: []byte(`{}`)}, nil
}

func (f *fakeAdapter) Invoke(context.Context, *core.ProviderRequest) (*core.ProviderResponse, error) {
	return &core.ProviderResponse{StatusCode: 200, Body: []byte(`{}`)}, nil
}

func (f *fakeAdapter) InvokeStream(context.Context, *core.ProviderRequest) (core.ChunkStream, error) {
	return &sliceStream{chunks: []*core.StreamChunk{{Object: "chat.completion.chunk", Choices: []core.StreamChoice{{Delta: core.Delta{Content: "x"}}}}}}, nil
}

func (f *fakeAdapter) TranslateResponse(*core.ProviderResponse) (*core.ChatResponse, error) {
	return &core.ChatResponse{Object: "chat.completion"}, nil
}

type sliceStream struct {
	chunks []*core.StreamChunk
	closed bool
}

func (s *sliceStream) Next() (*core.StreamChunk, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// clearProviderEnv unsets every env var that declares a provider.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, kp := range knownProviderEnvs {
		t.Setenv(kp.apiKeyEnv, "")
		t.Setenv(kp.baseURLEnv, "")
	}
}

func boolPtr(v bool) *bool { return &v }
