package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles accepted on inbound requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons in the OpenAI response shape.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// ChatRequest represents the incoming chat completion request.
// It is treated as immutable once decoded; adapters build their own payloads from it.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Stop          []string        `json:"stop,omitempty"`
}

// StreamOptions mirrors OpenAI's stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// HasTools reports whether the request declares any tools.
func (r *ChatRequest) HasTools() bool {
	return len(r.Tools) > 0
}

// ToolNames returns the set of declared function names.
func (r *ChatRequest) ToolNames() map[string]struct{} {
	names := make(map[string]struct{}, len(r.Tools))
	for _, t := range r.Tools {
		names[t.Function.Name] = struct{}{}
	}
	return names
}

// HistoryHasToolCalls reports whether any message carries tool calls or tool results.
func (r *ChatRequest) HistoryHasToolCalls() bool {
	for _, m := range r.Messages {
		if len(m.ToolCalls) > 0 || m.Role == RoleTool {
			return true
		}
	}
	return false
}

// Validate checks the fields every adapter relies on. It never performs I/O.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return NewInvalidRequestError("invalid request: model is required", nil)
	}
	if len(r.Messages) == 0 {
		return NewInvalidRequestError("invalid request: messages array is required", nil)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		case RoleTool:
			if m.ToolCallID == "" {
				return NewInvalidRequestError(fmt.Sprintf("invalid request: messages[%d] with role tool requires tool_call_id", i), nil)
			}
		default:
			return NewInvalidRequestError(fmt.Sprintf("invalid request: messages[%d] has unsupported role %q", i, m.Role), nil)
		}
		for j, tc := range m.ToolCalls {
			if tc.Function.Name == "" {
				return NewInvalidRequestError(fmt.Sprintf("invalid request: messages[%d].tool_calls[%d] is missing function.name", i, j), nil)
			}
		}
	}
	for i, t := range r.Tools {
		if t.Type != "" && t.Type != "function" {
			return NewInvalidRequestError(fmt.Sprintf("invalid request: tools[%d] has unsupported type %q", i, t.Type), nil)
		}
		if t.Function.Name == "" {
			return NewInvalidRequestError(fmt.Sprintf("invalid request: tools[%d] is missing function.name", i), nil)
		}
		if len(t.Function.Parameters) > 0 && !json.Valid(t.Function.Parameters) {
			return NewInvalidRequestError(fmt.Sprintf("invalid request: tools[%d].function.parameters is not valid JSON", i), nil)
		}
	}
	return nil
}

// Message represents a single message in the chat
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Extra keeps fields such as refusal that have no typed home.
	Extra Extra `json:"-"`
}

// messageWire is the JSON layout of Message with a nullable content field.
type messageWire struct {
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// contentPart is one element of an array-form message content.
type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts string, null and text-part array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Content = ""
	extra, err := unknownFields(data, messageType)
	if err != nil {
		return err
	}
	m.Extra = extra

	raw := bytes.TrimSpace(w.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '"':
		return json.Unmarshal(raw, &m.Content)
	case '[':
		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			return err
		}
		var sb strings.Builder
		for _, p := range parts {
			if p.Type != "text" {
				return fmt.Errorf("unsupported content part type %q", p.Type)
			}
			sb.WriteString(p.Text)
		}
		m.Content = sb.String()
		return nil
	default:
		return fmt.Errorf("message content must be a string, null or an array of text parts")
	}
}

// MarshalJSON encodes empty content as null when the message carries tool calls or a refusal.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if m.Content == "" && (len(m.ToolCalls) > 0 || m.refused()) {
		w.Content = json.RawMessage("null")
	} else {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		w.Content = content
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	return appendExtra(data, m.Extra, messageType)
}

// refused reports whether the provider answered with a refusal instead of content.
func (m Message) refused() bool {
	r, ok := m.Extra["refusal"]
	return ok && !bytes.Equal(bytes.TrimSpace(r), []byte("null"))
}

// ToolCall mirrors the OpenAI tool call shape. Index is only set on streamed deltas.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the called function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// Tool is a tool declaration on the request.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable function and its JSON schema.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatResponse represents the chat completion response
type ChatResponse struct {
	ID       string   `json:"id,omitempty"`
	Object   string   `json:"object"`
	Created  int64    `json:"created,omitempty"`
	Model    string   `json:"model,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Choices  []Choice `json:"choices"`
	Usage    *Usage   `json:"usage,omitempty"`
	Extra    Extra    `json:"-"`
}

// Choice represents a single completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Extra        Extra   `json:"-"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	Extra            Extra `json:"-"`
}

// Add returns the element-wise sum of two usages. Nil operands count as zero.
func (u *Usage) Add(other *Usage) *Usage {
	if u == nil && other == nil {
		return nil
	}
	sum := &Usage{}
	for _, v := range []*Usage{u, other} {
		if v == nil {
			continue
		}
		sum.PromptTokens += v.PromptTokens
		sum.CompletionTokens += v.CompletionTokens
		sum.TotalTokens += v.TotalTokens
	}
	return sum
}

// StreamChunk is one normalized chat.completion.chunk.
type StreamChunk struct {
	ID       string         `json:"id,omitempty"`
	Object   string         `json:"object"`
	Created  int64          `json:"created,omitempty"`
	Model    string         `json:"model,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Choices  []StreamChoice `json:"choices"`
	Usage    *Usage         `json:"usage,omitempty"`
	Extra    Extra          `json:"-"`
}

// StreamChoice is a single choice inside a chunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
	Extra        Extra   `json:"-"`
}

// Delta carries the partial message fields of a chunk.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Extra     Extra      `json:"-"`
}

// IsEmpty reports whether the chunk carries nothing a client could use.
// Empty chunks are elided from streams.
func (c *StreamChunk) IsEmpty() bool {
	if c == nil {
		return true
	}
	if c.Usage != nil {
		return false
	}
	for _, ch := range c.Choices {
		if ch.FinishReason != nil || ch.Delta.Role != "" || ch.Delta.Content != "" || len(ch.Delta.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// Model represents a single model in the models list
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// ModelsResponse represents the response from the /v1/models endpoint
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
