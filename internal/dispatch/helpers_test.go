package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"aiproxy/config"
	"aiproxy/internal/auditlog"
	"aiproxy/internal/core"
)

type fakeRouter map[string]*core.Route

func (f fakeRouter) Resolve(alias string) (*core.Route, error) {
	if alias == "" {
		return nil, core.NewInvalidRequestError("invalid request: model is required", nil)
	}
	r, ok := f[alias]
	if !ok {
		return nil, core.NewUnknownAliasError(alias)
	}
	return r, nil
}

func (f fakeRouter) Aliases() []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type fakeAdapters map[string]core.Adapter

func (f fakeAdapters) Adapter(name string) (core.Adapter, bool) {
	a, ok := f[name]
	return a, ok
}

// scriptedAdapter answers according to its invoke and stream scripts.
// attempt counts calls starting at 1.
type scriptedAdapter struct {
	name   string
	caps   core.Capabilities
	invoke func(ctx context.Context, attempt int) (*core.ChatResponse, error)
	stream func(ctx context.Context, attempt int) (core.ChunkStream, error)

	calls     atomic.Int32
	mu        sync.Mutex
	lastModel string
}

func newAdapter(name string) *scriptedAdapter {
	return &scriptedAdapter{name: name, caps: core.Capabilities{Tools: true, Streaming: true}}
}

func (a *scriptedAdapter) Name() string                    { return a.name }
func (a *scriptedAdapter) Capabilities() core.Capabilities { return a.caps }

func (a *scriptedAdapter) TranslateRequest(req *core.ChatRequest, target core.RouteTarget) (*core.ProviderRequest, error) {
	if (req.HasTools() || req.HistoryHasToolCalls()) && !a.caps.Tools {
		return nil, core.NewUnsupportedFeatureError(a.name, "tools")
	}
	if req.Stream && !a.caps.Streaming {
		return nil, core.NewUnsupportedFeatureError(a.name, "streaming")
	}
	body, _ := json.Marshal(map[string]any{"model": target.Model})
	return &core.ProviderRequest{Provider: a.name, Model: target.Model, Endpoint: "/chat", Body: body, Stream: req.Stream}, nil
}

func (a *scriptedAdapter) Invoke(ctx context.Context, req *core.ProviderRequest) (*core.ProviderResponse, error) {
	n := int(a.calls.Add(1))
	a.mu.Lock()
	a.lastModel = req.Model
	a.mu.Unlock()

	resp, err := a.invoke(ctx, n)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(resp)
	return &core.ProviderResponse{Provider: a.name, Model: req.Model, StatusCode: http.StatusOK, Body: body}, nil
}

func (a *scriptedAdapter) InvokeStream(ctx context.Context, req *core.ProviderRequest) (core.ChunkStream, error) {
	n := int(a.calls.Add(1))
	a.mu.Lock()
	a.lastModel = req.Model
	a.mu.Unlock()
	return a.stream(ctx, n)
}

func (a *scriptedAdapter) TranslateResponse(resp *core.ProviderResponse) (*core.ChatResponse, error) {
	var out core.ChatResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, err
	}
	out.Provider = a.name
	return &out, nil
}

func (a *scriptedAdapter) model() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastModel
}

func reply(content string) func(context.Context, int) (*core.ChatResponse, error) {
	return func(context.Context, int) (*core.ChatResponse, error) {
		return textResponse(content), nil
	}
}

func textResponse(content string) *core.ChatResponse {
	return &core.ChatResponse{
		ID:     "chatcmpl-" + content,
		Object: "chat.completion",
		Model:  "upstream",
		Choices: []core.Choice{{
			Message:      core.Message{Role: core.RoleAssistant, Content: content},
			FinishReason: core.FinishReasonStop,
		}},
		Usage: &core.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
}

func toolResponse(calls ...core.ToolCall) func(context.Context, int) (*core.ChatResponse, error) {
	return func(context.Context, int) (*core.ChatResponse, error) {
		return &core.ChatResponse{
			Object: "chat.completion",
			Choices: []core.Choice{{
				Message:      core.Message{Role: core.RoleAssistant, ToolCalls: calls},
				FinishReason: core.FinishReasonToolCalls,
			}},
		}, nil
	}
}

func delayed(d time.Duration, content string) func(context.Context, int) (*core.ChatResponse, error) {
	return func(ctx context.Context, _ int) (*core.ChatResponse, error) {
		select {
		case <-time.After(d):
			return textResponse(content), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func hang(ctx context.Context, _ int) (*core.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func failWith(status int) func(context.Context, int) (*core.ChatResponse, error) {
	return func(context.Context, int) (*core.ChatResponse, error) {
		return nil, core.ParseProviderError("", status, []byte(`{"error":{"message":"scripted failure"}}`), nil)
	}
}

// chunkStream replays chunks, then ends with err (io.EOF when nil).
type chunkStream struct {
	chunks []*core.StreamChunk
	err    error
	closed atomic.Bool
}

func (s *chunkStream) Next() (*core.StreamChunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *chunkStream) Close() error {
	s.closed.Store(true)
	return nil
}

func contentChunk(content string) *core.StreamChunk {
	return &core.StreamChunk{Object: "chat.completion.chunk", Choices: []core.StreamChoice{{Delta: core.Delta{Content: content}}}}
}

func finishChunk(reason string) *core.StreamChunk {
	return &core.StreamChunk{Object: "chat.completion.chunk", Choices: []core.StreamChoice{{FinishReason: core.StringPtr(reason)}}}
}

func streamOf(chunks ...*core.StreamChunk) func(context.Context, int) (core.ChunkStream, error) {
	return func(context.Context, int) (core.ChunkStream, error) {
		return &chunkStream{chunks: chunks}, nil
	}
}

// captureLog collects dispatch log entries.
type captureLog struct {
	mu      sync.Mutex
	entries []*auditlog.LogEntry
}

func (c *captureLog) Write(e *auditlog.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureLog) Config() auditlog.Config { return auditlog.Config{Enabled: true} }
func (c *captureLog) Close() error            { return nil }

func (c *captureLog) all() []*auditlog.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*auditlog.LogEntry(nil), c.entries...)
}

func (c *captureLog) last() *auditlog.LogEntry {
	all := c.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func route(alias string, targets ...core.RouteTarget) *core.Route {
	return &core.Route{Alias: alias, Targets: targets, Policy: config.PolicyFirstSuccess, Mode: config.ModeParallel}
}

func target(provider, model string) core.RouteTarget {
	return core.RouteTarget{Provider: provider, Model: model}
}

func userRequest(alias string) *core.ChatRequest {
	return &core.ChatRequest{Model: alias, Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
}

func newTestEngine(routes fakeRouter, adapters ...*scriptedAdapter) (*Engine, *captureLog) {
	lookup := fakeAdapters{}
	for _, a := range adapters {
		lookup[a.name] = a
	}
	log := &captureLog{}
	return New(routes, lookup, Options{Timeout: 2 * time.Second, Log: log}), log
}

func targetStatus(e *auditlog.LogEntry, provider string) auditlog.TargetRecord {
	for _, t := range e.Data.Targets {
		if t.Provider == provider {
			return t
		}
	}
	return auditlog.TargetRecord{}
}
