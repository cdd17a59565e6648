package providers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiproxy/internal/core"
	"aiproxy/internal/llmclient"
)

func TestProviderFactory_Create(t *testing.T) {
	factory := NewProviderFactory()

	var gotKey string
	var gotOpts ProviderOptions
	factory.Add(Registration{Type: "test", New: func(apiKey string, opts ProviderOptions) core.Adapter {
		gotKey = apiKey
		gotOpts = opts
		return &fakeAdapter{name: "inner", caps: core.Capabilities{Tools: true, Streaming: true}}
	}})
	factory.SetCircuitBreaker(&llmclient.CircuitBreakerConfig{FailureThreshold: 3})

	adapter, err := factory.Create("mine", ProviderConfig{
		Type:    "test",
		APIKey:  "sk",
		BaseURL: "http://example.test/",
		Headers: map[string]string{"X-A": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "mine", adapter.Name())
	assert.Equal(t, "sk", gotKey)
	assert.Equal(t, "mine", gotOpts.Name)
	assert.Equal(t, "http://example.test/", gotOpts.BaseURL)
	assert.Equal(t, "1", gotOpts.Headers["X-A"])
	require.NotNil(t, gotOpts.CircuitBreaker)
	assert.Equal(t, 3, gotOpts.CircuitBreaker.FailureThreshold)
}

func TestProviderFactory_UnknownType(t *testing.T) {
	_, err := NewProviderFactory().Create("x", ProviderConfig{Type: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type: nope")
}

func TestProviderFactory_RegisteredTypes(t *testing.T) {
	factory := NewProviderFactory()
	for _, typ := range []string{"openai", "anthropic", "ollama"} {
		factory.Add(Registration{Type: typ, New: func(string, ProviderOptions) core.Adapter { return &fakeAdapter{} }})
	}
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, factory.RegisteredTypes())
}

func TestProviderOptions_ClientConfig(t *testing.T) {
	opts := ProviderOptions{Name: "p"}
	assert.Equal(t, "https://default", opts.ClientConfig("https://default/").BaseURL)

	opts.BaseURL = "http://override//"
	cfg := opts.ClientConfig("https://default")
	assert.Equal(t, "http://override", cfg.BaseURL)
	assert.Equal(t, "p", cfg.ProviderName)
}

func TestWrapper_CapabilityOverrides(t *testing.T) {
	full := core.Capabilities{Tools: true, Streaming: true}

	tests := []struct {
		name      string
		inner     core.Capabilities
		tools     *bool
		streaming *bool
		want      core.Capabilities
	}{
		{"no overrides", full, nil, nil, full},
		{"disable tools", full, boolPtr(false), nil, core.Capabilities{Streaming: true}},
		{"disable streaming", full, nil, boolPtr(false), core.Capabilities{Tools: true}},
		{"cannot enable what adapter lacks", core.Capabilities{}, boolPtr(true), boolPtr(true), core.Capabilities{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newAdapterWrapper(&fakeAdapter{caps: tt.inner}, "p", tt.tools, tt.streaming)
			assert.Equal(t, tt.want, w.Capabilities())
		})
	}
}

func TestWrapper_TranslateRequest(t *testing.T) {
	toolReq := &core.ChatRequest{
		Model:    "fast",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
		Tools:    []core.Tool{{Type: "function", Function: core.FunctionDefinition{Name: "get_weather"}}},
	}
	streamReq := &core.ChatRequest{
		Model:    "fast",
		Stream:   true,
		Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}},
	}
	historyReq := &core.ChatRequest{
		Model: "fast",
		Messages: []core.Message{
			{Role: core.RoleUser, Content: "hi"},
			{Role: core.RoleTool, ToolCallID: "call_1", Content: "42"},
		},
	}

	noTools := newAdapterWrapper(&fakeAdapter{caps: core.Capabilities{Streaming: true}}, "plain", nil, nil)
	noStream := newAdapterWrapper(&fakeAdapter{caps: core.Capabilities{Tools: true}}, "batchy", nil, nil)

	for _, tc := range []struct {
		name    string
		adapter core.Adapter
		req     *core.ChatRequest
		feature string
	}{
		{"tools rejected", noTools, toolReq, "tools"},
		{"tool history rejected", noTools, historyReq, "tools"},
		{"streaming rejected", noStream, streamReq, "streaming"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.adapter.TranslateRequest(tc.req, core.RouteTarget{Provider: "p", Model: "m"})
			var gwErr *core.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, core.ErrorTypeUnsupportedFeature, gwErr.Type)
			assert.Contains(t, gwErr.Message, tc.feature)
		})
	}

	pr, err := noTools.TranslateRequest(streamReq, core.RouteTarget{Provider: "plain", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "plain", pr.Provider)
	assert.True(t, pr.Stream)
}

func TestWrapper_AttributesErrors(t *testing.T) {
	w := newAdapterWrapper(&fakeAdapter{caps: core.Capabilities{Tools: true, Streaming: true}, err: errors.New("boom")}, "p", nil, nil)
	_, err := w.TranslateRequest(&core.ChatRequest{Model: "m", Messages: []core.Message{{Role: "user"}}}, core.RouteTarget{Model: "m"})
	var gwErr *core.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "p", gwErr.Provider)
}

func TestWrapper_StampsProvider(t *testing.T) {
	w := newAdapterWrapper(&fakeAdapter{caps: core.Capabilities{Streaming: true}}, "stamped", nil, nil)

	resp, err := w.Invoke(t.Context(), &core.ProviderRequest{})
	require.NoError(t, err)
	assert.Equal(t, "stamped", resp.Provider)

	out, err := w.TranslateResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "stamped", out.Provider)

	stream, err := w.InvokeStream(t.Context(), &core.ProviderRequest{})
	require.NoError(t, err)
	chunk, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "stamped", chunk.Provider)
	require.NoError(t, stream.Close())
}
