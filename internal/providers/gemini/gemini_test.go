package gemini

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiproxy/internal/core"
	"aiproxy/internal/providers"
)

func TestNew_Defaults(t *testing.T) {
	a := New("key", providers.ProviderOptions{})
	assert.Equal(t, "gemini", a.Name())
	assert.Equal(t, core.Capabilities{Tools: true, Streaming: true}, a.Capabilities())
	assert.Equal(t, "gemini", Registration.Type)
}

func TestChatRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"upstream-model","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	a := New("key", providers.ProviderOptions{Name: "my-gemini", BaseURL: server.URL, HTTPClient: server.Client()})
	req := &core.ChatRequest{Model: "alias", Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}}}

	pr, err := a.TranslateRequest(req, core.RouteTarget{Provider: "my-gemini", Model: "upstream-model"})
	require.NoError(t, err)
	resp, err := a.Invoke(core.WithRequestID(t.Context(), "req-1"), pr)
	require.NoError(t, err)
	out, err := a.TranslateResponse(resp)
	require.NoError(t, err)

	assert.Equal(t, "my-gemini", out.Provider)
	assert.Equal(t, "hi", out.Choices[0].Message.Content)
	assert.Equal(t, core.FinishReasonStop, out.Choices[0].FinishReason)
}
