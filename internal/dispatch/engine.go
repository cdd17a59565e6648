// Package dispatch executes routed chat requests against one or more provider targets
// and normalizes their results into a single OpenAI-shaped response.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"aiproxy/config"
	"aiproxy/internal/auditlog"
	"aiproxy/internal/cache"
	"aiproxy/internal/core"
)

// DefaultTimeout is the per-target deadline when neither caller, alias nor config set one.
const DefaultTimeout = 60 * time.Second

// Observer receives dispatch outcomes, typically for metrics.
type Observer interface {
	DispatchFinished(alias, state string, stream bool, elapsed time.Duration)
	TargetFinished(alias, provider, status string, attempts int)
	Discarded(alias, provider, reason string)
	CacheLookup(hit bool)
}

type noopObserver struct{}

func (noopObserver) DispatchFinished(string, string, bool, time.Duration) {}
func (noopObserver) TargetFinished(string, string, string, int)           {}
func (noopObserver) Discarded(string, string, string)                     {}
func (noopObserver) CacheLookup(bool)                                     {}

// Options configures an Engine. Zero values disable the optional parts.
type Options struct {
	// Timeout is the default per-target deadline.
	Timeout time.Duration
	Retry   config.RetryConfig
	// Cache enables the exact-match response cache for non-streaming requests.
	Cache    *cache.ResponseCache
	Log      auditlog.Writer
	Observer Observer
}

// Engine fans requests out to route targets. It is safe for concurrent use.
type Engine struct {
	router   core.AliasResolver
	adapters core.AdapterLookup
	timeout  time.Duration
	retry    config.RetryConfig
	cache    *cache.ResponseCache
	log      auditlog.Writer
	observer Observer
	now      func() time.Time
}

// New creates an Engine resolving aliases with router and providers with adapters.
func New(router core.AliasResolver, adapters core.AdapterLookup, opts Options) *Engine {
	e := &Engine{
		router:   router,
		adapters: adapters,
		timeout:  opts.Timeout,
		retry:    opts.Retry,
		cache:    opts.Cache,
		log:      opts.Log,
		observer: opts.Observer,
		now:      time.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.log == nil {
		e.log = auditlog.NoopLogger{}
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	return e
}

// preparedTarget is a translated target ready to be invoked. A nil entry
// marks a target that already failed during translation.
type preparedTarget struct {
	adapter core.Adapter
	req     *core.ProviderRequest
}

// prepare validates, routes and translates the request. Every error it returns
// is raised before any outbound call.
func (e *Engine) prepare(ctx context.Context, req *core.ChatRequest) (*Result, []*preparedTarget, error) {
	requestID := core.GetRequestID(ctx)
	slog.Info("chat request", "model", req.Model, "stream", req.Stream, "request_id", requestID)

	if err := req.Validate(); err != nil {
		e.recordRejected(requestID, req, core.AsGatewayError("", err))
		return nil, nil, err
	}

	route, err := e.router.Resolve(req.Model)
	if err != nil {
		e.recordRejected(requestID, req, core.AsGatewayError("", err))
		return nil, nil, err
	}

	res := newResult(requestID, route, req.Stream, e.now())
	prepared := make([]*preparedTarget, len(route.Targets))
	ready := 0
	for i, target := range route.Targets {
		o := res.Outcomes[i]
		adapter, ok := e.adapters.Adapter(target.Provider)
		if !ok {
			o.fail(core.NewUpstreamError(target.Provider, http.StatusBadGateway, "provider is not registered", nil), e.now())
			continue
		}
		pr, err := adapter.TranslateRequest(req, target)
		if err != nil {
			o.fail(core.AsGatewayError(target.Provider, err), e.now())
			continue
		}
		prepared[i] = &preparedTarget{adapter: adapter, req: pr}
		ready++
	}

	if ready == 0 {
		gwErr := failure(route, res)
		res.failWith(gwErr)
		e.record(res)
		return nil, nil, gwErr
	}
	return res, prepared, nil
}

// Chat dispatches a non-streaming request and returns the normalized response.
func (e *Engine) Chat(ctx context.Context, req *core.ChatRequest) (*core.ChatResponse, error) {
	if req.Stream {
		r := *req
		r.Stream = false
		req = &r
	}

	res, prepared, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	route := res.Route

	var cacheKey string
	if e.cache != nil {
		if resp, ok := e.cacheLookup(ctx, route, req, &cacheKey); ok {
			res.Cached = true
			for _, o := range res.Outcomes {
				o.Status = StatusSkipped
			}
			e.mustTransition(res, StateNormalized)
			e.mustTransition(res, StateDone)
			e.record(res)
			return resp, nil
		}
	}

	e.mustTransition(res, StateDispatched)
	e.mustTransition(res, StateAwaiting)

	if route.Mode == config.ModeFallback {
		e.runFallback(ctx, req, res, prepared)
	} else {
		e.runParallel(ctx, req, res, prepared)
	}

	resp, err := Merge(route, res)
	if err != nil {
		res.failWith(core.AsGatewayError("", err))
		e.record(res)
		return nil, err
	}
	e.mustTransition(res, StateNormalized)

	if cacheKey != "" {
		if err := e.cache.Set(ctx, cacheKey, resp); err != nil {
			slog.Warn("failed to store response in cache", "error", err, "alias", route.Alias)
		}
	}

	e.mustTransition(res, StateDone)
	e.record(res)
	return resp, nil
}

func (e *Engine) cacheLookup(ctx context.Context, route *core.Route, req *core.ChatRequest, key *string) (*core.ChatResponse, bool) {
	alias := route.Alias
	k, err := cache.Key(route, req)
	if err != nil {
		slog.Warn("failed to build cache key", "error", err, "alias", alias)
		return nil, false
	}
	*key = k
	resp, ok, err := e.cache.Get(ctx, k)
	if err != nil {
		slog.Warn("response cache lookup failed", "error", err, "alias", alias)
		return nil, false
	}
	e.observer.CacheLookup(ok)
	return resp, ok
}

// runParallel invokes all prepared targets concurrently and waits for every outcome.
// A failing target never aborts its siblings.
func (e *Engine) runParallel(ctx context.Context, req *core.ChatRequest, res *Result, prepared []*preparedTarget) {
	var wg sync.WaitGroup
	for i, p := range prepared {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(o *Outcome, p *preparedTarget) {
			defer wg.Done()
			e.runTarget(ctx, req, res, o, p)
		}(res.Outcomes[i], p)
	}
	wg.Wait()
}

// runFallback tries targets in configured order and stops at the first success.
func (e *Engine) runFallback(ctx context.Context, req *core.ChatRequest, res *Result, prepared []*preparedTarget) {
	done := false
	for i, p := range prepared {
		o := res.Outcomes[i]
		if p == nil {
			continue
		}
		if done || ctx.Err() != nil {
			o.Status = StatusSkipped
			continue
		}
		e.runTarget(ctx, req, res, o, p)
		done = o.Status == StatusSucceeded
		if !done {
			slog.Info("falling back to next target", "alias", res.Route.Alias, "failed", o.Target.Provider, "error", o.Err)
		}
	}
}

// runTarget invokes one target and translates and validates its response.
func (e *Engine) runTarget(ctx context.Context, req *core.ChatRequest, res *Result, o *Outcome, p *preparedTarget) {
	o.Started = e.now()
	provider := o.Target.Provider

	raw, gwErr := e.invoke(ctx, res.Route, p, o)
	if gwErr != nil {
		o.fail(gwErr, e.now())
		if ctx.Err() != nil {
			o.Status = StatusCancelled
		}
		return
	}

	resp, err := p.adapter.TranslateResponse(raw)
	if err != nil {
		o.fail(core.AsGatewayError(provider, err), e.now())
		return
	}
	if violations := validateResponseToolCalls(req, resp); len(violations) > 0 {
		for _, v := range violations {
			res.discard(Discard{Provider: provider, Model: o.Target.Model, Reason: v.Reason, ToolCallID: v.ID, ToolName: v.Name})
		}
		o.fail(toolCallError(provider, violations), e.now())
		return
	}
	o.succeed(resp, e.now())
}

// mustTransition applies a transition the engine's own control flow guarantees to be legal.
func (e *Engine) mustTransition(res *Result, next State) {
	if err := res.transition(next); err != nil {
		slog.Error("dispatch state machine violated", "error", err, "request_id", res.RequestID)
	}
}

// recordRejected logs a request rejected before routing.
func (e *Engine) recordRejected(requestID string, req *core.ChatRequest, gwErr *core.GatewayError) {
	res := newResult(requestID, &core.Route{Alias: req.Model}, req.Stream, e.now())
	res.failWith(gwErr)
	e.record(res)
}

// record writes the dispatch log entry and reports metrics for a finished request.
func (e *Engine) record(res *Result) {
	now := e.now()
	alias := res.Route.Alias
	state := res.State()

	entry := &auditlog.LogEntry{
		ID:         uuid.NewString(),
		Timestamp:  res.Started,
		DurationNs: now.Sub(res.Started).Nanoseconds(),
		RequestID:  res.RequestID,
		Alias:      alias,
		Stream:     res.Stream,
		State:      string(state),
		StatusCode: http.StatusOK,
		Cached:     res.Cached,
		Data: &auditlog.LogData{
			Policy: res.Route.Policy,
			Mode:   res.Route.Mode,
		},
	}
	if res.Err != nil {
		entry.StatusCode = res.Err.HTTPStatusCode()
		entry.ErrorType = string(res.Err.Type)
		entry.Data.ErrorMessage = res.Err.Message
	}

	for _, o := range res.Outcomes {
		rec := auditlog.TargetRecord{
			Provider:  o.Target.Provider,
			Model:     o.Target.Model,
			Status:    o.Status,
			LatencyNs: o.Latency().Nanoseconds(),
			Attempts:  o.Attempts,
			Selected:  o.Index == res.Selected,
		}
		if o.Err != nil {
			rec.ErrorType = string(o.Err.Type)
			rec.ErrorMessage = o.Err.Message
			slog.Warn("target failed",
				"alias", alias,
				"provider", o.Target.Provider,
				"model", o.Target.Model,
				"status", o.Status,
				"error", o.Err.Message,
				"request_id", res.RequestID,
			)
		}
		if rec.Selected {
			entry.Provider = o.Target.Provider
			entry.Model = o.Target.Model
		}
		if o.Response != nil && o.Response.Usage != nil && rec.Selected {
			entry.Data.PromptTokens = o.Response.Usage.PromptTokens
			entry.Data.CompletionTokens = o.Response.Usage.CompletionTokens
			entry.Data.TotalTokens = o.Response.Usage.TotalTokens
		}
		entry.Data.Targets = append(entry.Data.Targets, rec)
		e.observer.TargetFinished(alias, o.Target.Provider, o.Status, o.Attempts)
	}

	for _, d := range res.Discards {
		entry.Data.Discards = append(entry.Data.Discards, auditlog.Discard{
			Provider:   d.Provider,
			Model:      d.Model,
			Reason:     d.Reason,
			ToolCallID: d.ToolCallID,
			ToolName:   d.ToolName,
		})
		e.observer.Discarded(alias, d.Provider, d.Reason)
	}

	e.observer.DispatchFinished(alias, string(state), res.Stream, now.Sub(res.Started))
	e.log.Write(entry)
}
