// Package openai provides the adapter for OpenAI and OpenAI-compatible chat APIs.
package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"aiproxy/internal/core"
	"aiproxy/internal/llmclient"
	"aiproxy/internal/providers"
)

// Registration provides factory registration for the OpenAI provider.
var Registration = providers.Registration{
	Type: "openai",
	New:  New,
}

const (
	defaultBaseURL       = "https://api.openai.com/v1"
	chatCompletionsPath  = "/chat/completions"
	maxClientRequestIDLn = 512
)

// CompatibleConfig describes an OpenAI-compatible upstream.
type CompatibleConfig struct {
	DefaultBaseURL string
	Capabilities   core.Capabilities
	// AdaptOSeries rewrites max_tokens and drops temperature for o1/o3/o4 models.
	AdaptOSeries bool
	// RequestIDHeader forwards the request id under this header when set.
	RequestIDHeader string
}

// Adapter implements core.Adapter for the OpenAI chat completions API.
type Adapter struct {
	name   string
	apiKey string
	client *llmclient.Client
	cfg    CompatibleConfig
}

// New creates an OpenAI adapter.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	return NewCompatible(apiKey, opts, CompatibleConfig{
		DefaultBaseURL:  defaultBaseURL,
		Capabilities:    core.Capabilities{Tools: true, Streaming: true},
		AdaptOSeries:    true,
		RequestIDHeader: "X-Client-Request-Id",
	})
}

// NewCompatible creates an adapter for any upstream speaking the OpenAI chat format.
func NewCompatible(apiKey string, opts providers.ProviderOptions, cfg CompatibleConfig) *Adapter {
	a := &Adapter{name: opts.Name, apiKey: apiKey, cfg: cfg}
	if a.name == "" {
		a.name = "openai"
	}
	opts.Name = a.name
	a.client = opts.NewClient(cfg.DefaultBaseURL, a.setHeaders)
	return a
}

// SetBaseURL allows configuring a custom base URL for the provider
func (a *Adapter) SetBaseURL(url string) {
	a.client.SetBaseURL(url)
}

// setHeaders sets the required headers for OpenAI API requests
func (a *Adapter) setHeaders(req *http.Request) {
	if key := core.APIKey(req.Context(), a.apiKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	// OpenAI rejects non-ASCII ids and ids over 512 bytes with a 400.
	if a.cfg.RequestIDHeader == "" {
		return
	}
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set(a.cfg.RequestIDHeader, requestID)
	}
}

func isValidClientRequestID(id string) bool {
	if len(id) > maxClientRequestIDLn {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// isOSeriesModel reports whether the model is an o-series reasoning model
// (o1, o3, o4) that requires max_completion_tokens and rejects temperature.
func isOSeriesModel(model string) bool {
	m := strings.ToLower(model)
	return len(m) >= 2 && m[0] == 'o' && m[1] >= '0' && m[1] <= '9'
}

// chatRequest is the JSON body sent to the chat completions endpoint.
type chatRequest struct {
	Model               string              `json:"model"`
	Messages            []core.Message      `json:"messages"`
	Stream              bool                `json:"stream,omitempty"`
	StreamOptions       *core.StreamOptions `json:"stream_options,omitempty"`
	Tools               []core.Tool         `json:"tools,omitempty"`
	ToolChoice          json.RawMessage     `json:"tool_choice,omitempty"`
	Temperature         *float64            `json:"temperature,omitempty"`
	TopP                *float64            `json:"top_p,omitempty"`
	MaxTokens           *int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                `json:"max_completion_tokens,omitempty"`
	Stop                []string            `json:"stop,omitempty"`
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() core.Capabilities { return a.cfg.Capabilities }

// TranslateRequest builds the chat completions payload for target.
func (a *Adapter) TranslateRequest(req *core.ChatRequest, target core.RouteTarget) (*core.ProviderRequest, error) {
	if err := providers.CheckCapabilities(a.name, a.cfg.Capabilities, req); err != nil {
		return nil, err
	}

	payload := chatRequest{
		Model:         target.Model,
		Messages:      req.Messages,
		Stream:        req.Stream,
		StreamOptions: req.StreamOptions,
		ToolChoice:    req.ToolChoice,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
		Stop:          req.Stop,
	}
	if len(req.Tools) > 0 {
		payload.Tools = make([]core.Tool, len(req.Tools))
		for i, t := range req.Tools {
			if t.Type == "" {
				t.Type = "function"
			}
			payload.Tools[i] = t
		}
	}
	if a.cfg.AdaptOSeries && isOSeriesModel(target.Model) {
		payload.MaxCompletionTokens = payload.MaxTokens
		payload.MaxTokens = nil
		payload.Temperature = nil
	}

	body, err := providers.MarshalWithParams(payload, target.Params)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to encode request for "+a.name+": "+err.Error(), err)
	}

	return &core.ProviderRequest{
		Provider: a.name,
		Model:    target.Model,
		Endpoint: chatCompletionsPath,
		Body:     body,
		Stream:   req.Stream,
	}, nil
}

// Invoke sends a non-streaming request.
func (a *Adapter) Invoke(ctx context.Context, req *core.ProviderRequest) (*core.ProviderResponse, error) {
	resp, err := a.client.DoRaw(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: req.Endpoint,
		RawBody:  req.Body,
		Model:    req.Model,
	})
	if err != nil {
		return nil, err
	}
	return &core.ProviderResponse{
		Provider:   a.name,
		Model:      req.Model,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}, nil
}

// InvokeStream opens a streaming request and returns normalized chunks.
func (a *Adapter) InvokeStream(ctx context.Context, req *core.ProviderRequest) (core.ChunkStream, error) {
	body, err := a.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: req.Endpoint,
		RawBody:  req.Body,
		Model:    req.Model,
	})
	if err != nil {
		return nil, err
	}
	return a.NewStream(body), nil
}

// NewStream decodes an OpenAI-format SSE body. Chunks are passed through as sent.
func (a *Adapter) NewStream(body io.ReadCloser) core.ChunkStream {
	return providers.NewSSEStream(a.name, body, func(_ string, data []byte) ([]*core.StreamChunk, error) {
		var chunk core.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}
		if chunk.Object == "" {
			chunk.Object = "chat.completion.chunk"
		}
		return []*core.StreamChunk{&chunk}, nil
	})
}

// TranslateResponse decodes a chat completion body. Fields the upstream sends are
// kept as sent, including ones without a typed field; absent fields stay absent.
func (a *Adapter) TranslateResponse(resp *core.ProviderResponse) (*core.ChatResponse, error) {
	var out core.ChatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, core.NewUpstreamError(a.name, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
	}
	if len(out.Choices) == 0 {
		return nil, core.NewUpstreamError(a.name, http.StatusBadGateway, "response has no choices", nil)
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	out.Provider = a.name
	return &out, nil
}
