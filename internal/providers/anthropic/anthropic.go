// Package anthropic provides the adapter for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"aiproxy/internal/core"
	"aiproxy/internal/llmclient"
	"aiproxy/internal/providers"
)

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: "anthropic",
	New:  New,
}

const (
	defaultBaseURL      = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
	messagesPath        = "/messages"
)

// Adapter implements core.Adapter for Anthropic.
type Adapter struct {
	name   string
	apiKey string
	client *llmclient.Client
}

// New creates an Anthropic adapter.
func New(apiKey string, opts providers.ProviderOptions) core.Adapter {
	if opts.Name == "" {
		opts.Name = "anthropic"
	}
	a := &Adapter{name: opts.Name, apiKey: apiKey}
	a.client = opts.NewClient(defaultBaseURL, a.setHeaders)
	return a
}

// SetBaseURL allows configuring a custom base URL for the provider
func (a *Adapter) SetBaseURL(url string) {
	a.client.SetBaseURL(url)
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", core.APIKey(req.Context(), a.apiKey))
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{Tools: true, Streaming: true}
}

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model         string          `json:"model"`
	Messages      []message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock covers the text, tool_use and tool_result block types.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	Delta        *streamDelta      `json:"delta,omitempty"`
	ContentBlock *contentBlock     `json:"content_block,omitempty"`
	Message      *messagesResponse `json:"message,omitempty"`
	Usage        *usage            `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// TranslateRequest converts the chat request to a Messages API payload.
func (a *Adapter) TranslateRequest(req *core.ChatRequest, target core.RouteTarget) (*core.ProviderRequest, error) {
	if err := providers.CheckCapabilities(a.name, a.Capabilities(), req); err != nil {
		return nil, err
	}

	payload, err := a.convertRequest(req, target.Model)
	if err != nil {
		return nil, err
	}

	body, err := providers.MarshalWithParams(payload, target.Params)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to encode request for "+a.name+": "+err.Error(), err)
	}

	return &core.ProviderRequest{
		Provider: a.name,
		Model:    target.Model,
		Endpoint: messagesPath,
		Body:     body,
		Stream:   req.Stream,
	}, nil
}

func (a *Adapter) convertRequest(req *core.ChatRequest, model string) (*messagesRequest, error) {
	out := &messagesRequest{
		Model:         model,
		Messages:      make([]message, 0, len(req.Messages)),
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for i, msg := range req.Messages {
		var (
			role   string
			blocks []contentBlock
		)
		switch msg.Role {
		case core.RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		case core.RoleTool:
			role = "user"
			blocks = []contentBlock{{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}}
		default:
			role = msg.Role
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: msg.Content})
			}
			for j, tc := range msg.ToolCalls {
				input, err := toolInput(tc.Function.Arguments)
				if err != nil {
					return nil, core.NewInvalidRequestError(
						fmt.Sprintf("invalid request: messages[%d].tool_calls[%d].function.arguments is not a JSON object", i, j), err)
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		// Consecutive turns of one role are merged; tool results for parallel calls share one user turn.
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, message{Role: role, Content: blocks})
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(bytes.TrimSpace(schema)) == 0 || bytes.Equal(bytes.TrimSpace(schema), []byte("null")) {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: schema})
	}

	choice, err := convertToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = choice

	return out, nil
}

func toolInput(arguments string) (json.RawMessage, error) {
	if strings.TrimSpace(arguments) == "" {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &obj); err != nil {
		return nil, err
	}
	// Re-encode for a stable byte form.
	return json.Marshal(obj)
}

// convertToolChoice maps OpenAI tool_choice values to Anthropic's object form.
func convertToolChoice(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return json.RawMessage(`{"type":"auto"}`), nil
		case "required":
			return json.RawMessage(`{"type":"any"}`), nil
		case "none":
			return json.RawMessage(`{"type":"none"}`), nil
		}
		return nil, core.NewInvalidRequestError(fmt.Sprintf("invalid request: unsupported tool_choice %q", mode), nil)
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return nil, core.NewInvalidRequestError("invalid request: tool_choice must be a string or name a function", err)
	}
	return json.Marshal(map[string]string{"type": "tool", "name": named.Function.Name})
}

// Invoke sends a non-streaming Messages request.
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

// TranslateResponse converts a Messages API response to the chat completion shape.
func (a *Adapter) TranslateResponse(resp *core.ProviderResponse) (*core.ChatResponse, error) {
	var ar messagesResponse
	if err := json.Unmarshal(resp.Body, &ar); err != nil {
		return nil, core.NewUpstreamError(a.name, http.StatusBadGateway, "failed to unmarshal response: "+err.Error(), err)
	}
	if ar.Type != "" && ar.Type != "message" {
		return nil, core.NewUpstreamError(a.name, http.StatusBadGateway, "unexpected response type "+ar.Type, nil)
	}

	var (
		text      strings.Builder
		toolCalls []core.ToolCall
	)
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if len(block.Input) == 0 || args == "null" {
				args = "{}"
			}
			toolCalls = append(toolCalls, core.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: core.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	// Anthropic has no creation timestamp; created is left out.
	return &core.ChatResponse{
		ID:       ar.ID,
		Object:   "chat.completion",
		Model:    ar.Model,
		Provider: a.name,
		Choices: []core.Choice{{
			Index: 0,
			Message: core.Message{
				Role:      core.RoleAssistant,
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: mapStopReason(ar.StopReason),
		}},
		Usage: &core.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

// mapStopReason maps Anthropic stop reasons to finish reasons. An absent reason
// stays absent and reasons without an equivalent are passed through.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return core.FinishReasonStop
	case "max_tokens":
		return core.FinishReasonLength
	case "tool_use":
		return core.FinishReasonToolCalls
	case "refusal":
		return core.FinishReasonContentFilter
	default:
		return reason
	}
}

// InvokeStream opens a streaming Messages request.
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
	conv := &streamConverter{toolIndex: make(map[int]int)}
	return providers.NewSSEStream(a.name, body, conv.convert), nil
}

// streamConverter holds per-stream state while mapping Anthropic events to chunks.
type streamConverter struct {
	msgID     string
	model     string
	inputToks int
	// toolIndex maps content block index -> tool call index.
	toolIndex map[int]int
}

func (sc *streamConverter) chunk(delta core.Delta, finish *string) *core.StreamChunk {
	return &core.StreamChunk{
		ID:      sc.msgID,
		Object:  "chat.completion.chunk",
		Model:   sc.model,
		Choices: []core.StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (sc *streamConverter) convert(_ string, data []byte) ([]*core.StreamChunk, error) {
	var event streamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			sc.msgID = event.Message.ID
			sc.model = event.Message.Model
			sc.inputToks = event.Message.Usage.InputTokens
		}
		return []*core.StreamChunk{sc.chunk(core.Delta{Role: core.RoleAssistant}, nil)}, nil

	case "content_block_start":
		if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
			if event.ContentBlock != nil && event.ContentBlock.Text != "" {
				return []*core.StreamChunk{sc.chunk(core.Delta{Content: event.ContentBlock.Text}, nil)}, nil
			}
			return nil, nil
		}
		idx := len(sc.toolIndex)
		sc.toolIndex[event.Index] = idx
		return []*core.StreamChunk{sc.chunk(core.Delta{ToolCalls: []core.ToolCall{{
			Index:    core.IntPtr(idx),
			ID:       event.ContentBlock.ID,
			Type:     "function",
			Function: core.FunctionCall{Name: event.ContentBlock.Name},
		}}}, nil)}, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []*core.StreamChunk{sc.chunk(core.Delta{Content: event.Delta.Text}, nil)}, nil
		case "input_json_delta":
			idx, ok := sc.toolIndex[event.Index]
			if !ok || event.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []*core.StreamChunk{sc.chunk(core.Delta{ToolCalls: []core.ToolCall{{
				Index:    core.IntPtr(idx),
				Function: core.FunctionCall{Arguments: event.Delta.PartialJSON},
			}}}, nil)}, nil
		}
		return nil, nil

	case "message_delta":
		if event.Delta == nil || event.Delta.StopReason == "" {
			return nil, nil
		}
		c := sc.chunk(core.Delta{}, core.StringPtr(mapStopReason(event.Delta.StopReason)))
		if event.Usage != nil {
			c.Usage = &core.Usage{
				PromptTokens:     sc.inputToks,
				CompletionTokens: event.Usage.OutputTokens,
				TotalTokens:      sc.inputToks + event.Usage.OutputTokens,
			}
		}
		return []*core.StreamChunk{c}, nil

	case "message_stop":
		return nil, io.EOF
	}

	// ping, content_block_stop
	return nil, nil
}
