// Package ollama provides the adapter for Ollama's native chat API.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aiproxy/internal/core"
	"aiproxy/internal/llmclient"
	"aiproxy/internal/providers"
)

// Registration provides factory registration for the Ollama provider.
var Registration = providers.Registration{
	Type: "ollama",
	New:  New,
}

const (
	defaultRootURL = "http://localhost:11434"
	chatPath       = "/api/chat"
)

// Adapter implements core.Adapter for Ollama.
type Adapter struct {
	name   string
	apiKey string // Accepted but ignored by a stock Ollama
	client *llmclient.Client
}

// New creates an Ollama adapter. The API key is optional.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	if opts.Name == "" {
		opts.Name = "ollama"
	}
	// The native API lives at the root; accept OpenAI-style ".../v1" base URLs too.
	opts.BaseURL = strings.TrimSuffix(strings.TrimRight(opts.BaseURL, "/"), "/v1")
	a := &Adapter{name: opts.Name, apiKey: apiKey}
	a.client = opts.NewClient(defaultRootURL, a.setHeaders)
	return a
}

// SetBaseURL allows configuring a custom base URL for the provider
func (a *Adapter) SetBaseURL(url string) {
	a.client.SetBaseURL(url)
}

// setHeaders sets the required headers for Ollama API requests
func (a *Adapter) setHeaders(req *http.Request) {
	if key := core.APIKey(req.Context(), a.apiKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{Tools: true, Streaming: true}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	// Stream defaults to true on the Ollama side, so it is always sent.
	Stream  bool         `json:"stream"`
	Tools   []core.Tool  `json:"tools,omitempty"`
	Options *chatOptions `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       time.Time   `json:"created_at"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// TranslateRequest converts the chat request to an /api/chat payload.
func (a *Adapter) TranslateRequest(req *core.ChatRequest, target core.RouteTarget) (*core.ProviderRequest, error) {
	if err := providers.CheckCapabilities(a.name, a.Capabilities(), req); err != nil {
		return nil, err
	}

	payload := chatRequest{
		Model:    target.Model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Stream:   req.Stream,
	}

	// Ollama identifies tool results by function name, not call id.
	callNames := make(map[string]string)
	for i, m := range req.Messages {
		msg := chatMessage{Role: m.Role, Content: m.Content}
		for j, tc := range m.ToolCalls {
			args, err := argumentsObject(tc.Function.Arguments)
			if err != nil {
				return nil, core.NewInvalidRequestError(
					fmt.Sprintf("invalid request: messages[%d].tool_calls[%d].function.arguments is not a JSON object", i, j), err)
			}
			msg.ToolCalls = append(msg.ToolCalls, toolCall{Function: toolFunction{Name: tc.Function.Name, Arguments: args}})
			if tc.ID != "" {
				callNames[tc.ID] = tc.Function.Name
			}
		}
		if m.Role == core.RoleTool {
			msg.ToolName = callNames[m.ToolCallID]
		}
		payload.Messages = append(payload.Messages, msg)
	}

	for _, t := range req.Tools {
		if t.Type == "" {
			t.Type = "function"
		}
		payload.Tools = append(payload.Tools, t)
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		payload.Options = &chatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}

	body, err := providers.MarshalWithParams(payload, target.Params)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to encode request for "+a.name+": "+err.Error(), err)
	}

	return &core.ProviderRequest{
		Provider: a.name,
		Model:    target.Model,
		Endpoint: chatPath,
		Body:     body,
		Stream:   req.Stream,
	}, nil
}

func argumentsObject(arguments string) (json.RawMessage, error) {
	if strings.TrimSpace(arguments) == "" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &obj); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// Invoke sends a non-streaming chat request.
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

// TranslateResponse converts an /api/chat response to the chat completion shape.
func (a *Adapter) TranslateResponse(resp *core.ProviderResponse) (*core.ChatResponse, error) {
	var or chatResponse
	if err := json.Unmarshal(resp.Body, &or); err != nil {
		return nil, core.NewUpstreamError(a.name, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
	}

	toolCalls := convertToolCalls(or.Message.ToolCalls, 0, false)
	return &core.ChatResponse{
		Object:   "chat.completion",
		Created:  unixOrZero(or.CreatedAt),
		Model:    or.Model,
		Provider: a.name,
		Choices: []core.Choice{{
			Index: 0,
			Message: core.Message{
				Role:      core.RoleAssistant,
				Content:   or.Message.Content,
				ToolCalls: toolCalls,
			},
			FinishReason: finishReason(or.DoneReason, len(toolCalls) > 0),
		}},
		Usage: &core.Usage{
			PromptTokens:     or.PromptEvalCount,
			CompletionTokens: or.EvalCount,
			TotalTokens:      or.PromptEvalCount + or.EvalCount,
		},
	}, nil
}

// convertToolCalls maps Ollama tool calls. Ollama assigns no call ids and none are invented.
func convertToolCalls(calls []toolCall, firstIndex int, indexed bool) []core.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]core.ToolCall, 0, len(calls))
	for i, c := range calls {
		args := string(c.Function.Arguments)
		if len(c.Function.Arguments) == 0 || args == "null" {
			args = "{}"
		}
		tc := core.ToolCall{
			Type:     "function",
			Function: core.FunctionCall{Name: c.Function.Name, Arguments: args},
		}
		if indexed {
			tc.Index = core.IntPtr(firstIndex + i)
		}
		out = append(out, tc)
	}
	return out
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// finishReason maps done_reason. Ollama reports "stop" for tool calls too.
// An absent reason stays absent.
func finishReason(doneReason string, hasToolCalls bool) string {
	switch {
	case hasToolCalls && doneReason == "stop":
		return core.FinishReasonToolCalls
	case doneReason == "stop":
		return core.FinishReasonStop
	case doneReason == "length":
		return core.FinishReasonLength
	}
	return doneReason
}

// InvokeStream opens a streaming chat request; Ollama streams NDJSON.
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
	conv := &streamConverter{}
	return providers.NewNDJSONStream(a.name, body, conv.convert), nil
}

type streamConverter struct {
	model     string
	sentRole  bool
	toolCalls int
}

func (sc *streamConverter) convert(_ string, data []byte) ([]*core.StreamChunk, error) {
	var line chatResponse
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, err
	}
	if line.Model != "" {
		sc.model = line.Model
	}

	delta := core.Delta{Content: line.Message.Content}
	if !sc.sentRole {
		delta.Role = core.RoleAssistant
		sc.sentRole = true
	}
	if len(line.Message.ToolCalls) > 0 {
		delta.ToolCalls = convertToolCalls(line.Message.ToolCalls, sc.toolCalls, true)
		sc.toolCalls += len(line.Message.ToolCalls)
	}

	chunk := &core.StreamChunk{
		Object:  "chat.completion.chunk",
		Created: unixOrZero(line.CreatedAt),
		Model:   sc.model,
		Choices: []core.StreamChoice{{Index: 0, Delta: delta}},
	}
	if !line.Done {
		return []*core.StreamChunk{chunk}, nil
	}

	if reason := finishReason(line.DoneReason, sc.toolCalls > 0); reason != "" {
		chunk.Choices[0].FinishReason = core.StringPtr(reason)
	}
	chunk.Usage = &core.Usage{
		PromptTokens:     line.PromptEvalCount,
		CompletionTokens: line.EvalCount,
		TotalTokens:      line.PromptEvalCount + line.EvalCount,
	}
	return []*core.StreamChunk{chunk}, io.EOF
}
