package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"aiproxy/config"
	"aiproxy/internal/core"
)

var (
	errFirstChunkTimeout = errors.New("no chunk before the target deadline")
	errLostRace          = errors.New("another target streamed first")
)

// opened is what a stream opener reports back to the coordinator.
type opened struct {
	index  int
	stream core.ChunkStream
	first  *core.StreamChunk
	tools  *streamToolCalls
	err    *core.GatewayError
}

// Stream dispatches a streaming request. All targets are opened (concurrently, or in
// order for fallback routes) and the first one to yield a chunk is streamed; the rest
// are cancelled. When no target yields a chunk the request fails before any byte
// reaches the client.
func (e *Engine) Stream(ctx context.Context, req *core.ChatRequest) (*Stream, error) {
	if !req.Stream {
		r := *req
		r.Stream = true
		req = &r
	}

	res, prepared, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	route := res.Route
	e.mustTransition(res, StateDispatched)
	e.mustTransition(res, StateStreaming)

	streamCtx, cancelAll := context.WithCancel(ctx)
	timeout := e.targetTimeout(ctx, route)

	cancels := make([]context.CancelCauseFunc, len(prepared))
	results := make(chan opened, len(prepared))
	launch := func(i int) {
		tctx, cancel := context.WithCancelCause(streamCtx)
		cancels[i] = cancel
		go func() {
			results <- e.openTarget(tctx, cancel, timeout, req, res, res.Outcomes[i], prepared[i])
		}()
	}

	fallback := route.Mode == config.ModeFallback
	next := 0
	launchNext := func() bool {
		for next < len(prepared) {
			i := next
			next++
			if prepared[i] != nil {
				launch(i)
				return true
			}
		}
		return false
	}

	inFlight := 0
	if fallback {
		if launchNext() {
			inFlight++
		}
	} else {
		for launchNext() {
			inFlight++
		}
	}

	var winner *opened
	for inFlight > 0 {
		r := <-results
		inFlight--
		if r.err == nil {
			winner = &r
			break
		}
		if fallback && launchNext() {
			inFlight++
		}
	}

	if winner == nil {
		cancelAll()
		gwErr := failure(route, res)
		res.failWith(gwErr)
		e.record(res)
		return nil, gwErr
	}

	for i, cancel := range cancels {
		if cancel != nil && i != winner.index {
			cancel(errLostRace)
		}
	}
	if fallback {
		for i := next; i < len(prepared); i++ {
			if prepared[i] != nil {
				res.Outcomes[i].Status = StatusSkipped
			}
		}
	}

	s := &Stream{
		engine:    e,
		res:       res,
		winner:    res.Outcomes[winner.index],
		inner:     winner.stream,
		pending:   winner.first,
		tools:     winner.tools,
		cancelAll: cancelAll,
	}
	res.Selected = winner.index

	// Losers still opening are drained in the background; Close waits for them.
	s.losers.Add(1)
	go func(remaining int) {
		defer s.losers.Done()
		for ; remaining > 0; remaining-- {
			r := <-results
			if r.err != nil {
				continue
			}
			_ = r.stream.Close()
			o := res.Outcomes[r.index]
			o.Status = StatusSucceeded
			o.Finished = e.now()
			res.discard(Discard{Provider: o.Target.Provider, Model: o.Target.Model, Reason: ReasonStreamNotSelected})
		}
	}(inFlight)

	slog.Debug("streaming from target", "alias", route.Alias, "provider", s.Provider(), "request_id", res.RequestID)
	return s, nil
}

// openTarget opens one target's stream and waits for its first chunk, retrying
// retryable failures and rotating keys within an attempt. The target deadline
// bounds the wait for the first chunk. A first chunk carrying an invalid tool
// call fails the target so it cannot win the race.
func (e *Engine) openTarget(ctx context.Context, cancel context.CancelCauseFunc, timeout time.Duration, req *core.ChatRequest, res *Result, o *Outcome, p *preparedTarget) opened {
	o.Started = e.now()
	provider := o.Target.Provider

	timer := time.AfterFunc(timeout, func() { cancel(errFirstChunkTimeout) })
	defer timer.Stop()

	keys := keysFor(p.adapter)
	var lastErr *core.GatewayError
attempts:
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, e.backoff(attempt)); err != nil {
				lastErr = streamError(ctx, provider, err)
				break
			}
		}

		for _, key := range keys {
			o.Attempts++
			stream, first, err := firstChunk(core.WithAPIKey(ctx, key), p)
			if err == nil && timer.Stop() {
				tools := newStreamToolCalls(req)
				violations := tools.check(first)
				if len(violations) == 0 {
					return opened{index: o.Index, stream: stream, first: first, tools: tools}
				}
				_ = stream.Close()
				for _, v := range violations {
					res.discard(Discard{Provider: provider, Model: o.Target.Model, Reason: v.Reason, ToolCallID: v.ID, ToolName: v.Name})
				}
				lastErr = toolCallError(provider, violations)
				break attempts
			}
			if err == nil {
				// The deadline fired while the first chunk was arriving.
				_ = stream.Close()
				err = context.Cause(ctx)
			}

			lastErr = streamError(ctx, provider, err)
			if ctx.Err() != nil || !lastErr.Retryable() {
				break attempts
			}
		}
	}

	o.fail(lastErr, e.now())
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, errFirstChunkTimeout) {
		o.Status = StatusCancelled
	}
	return opened{index: o.Index, err: lastErr}
}

// firstChunk opens the stream and reads its first chunk. The stream is closed on error.
func firstChunk(ctx context.Context, p *preparedTarget) (core.ChunkStream, *core.StreamChunk, error) {
	stream, err := p.adapter.InvokeStream(ctx, p.req)
	if err != nil {
		return nil, nil, err
	}
	chunk, err := stream.Next()
	if err != nil {
		_ = stream.Close()
		if errors.Is(err, io.EOF) {
			return nil, nil, core.NewUpstreamError(p.adapter.Name(), http.StatusBadGateway, "stream ended before the first chunk", nil)
		}
		return nil, nil, err
	}
	return stream, chunk, nil
}

// streamError attributes an opening failure, honoring why the target context ended.
func streamError(ctx context.Context, provider string, err error) *core.GatewayError {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errFirstChunkTimeout):
		return core.NewTimeoutError(provider, err)
	case cause != nil:
		return cancelledError(provider, cause)
	}
	return core.AsGatewayError(provider, err)
}

// Stream is the client-facing chunk stream of the winning target.
// Next validates tool calls as they arrive; Close releases every target and
// writes the dispatch log entry. Close must always be called.
type Stream struct {
	engine    *Engine
	res       *Result
	winner    *Outcome
	inner     core.ChunkStream
	pending   *core.StreamChunk
	tools     *streamToolCalls
	cancelAll context.CancelFunc
	losers    sync.WaitGroup

	err       error
	closeOnce sync.Once
}

// Provider is the provider id of the streamed target.
func (s *Stream) Provider() string { return s.winner.Target.Provider }

// Model is the upstream model of the streamed target.
func (s *Stream) Model() string { return s.winner.Target.Model }

// Next returns the next chunk, io.EOF at the clean end, or a *core.GatewayError
// that the caller must surface as a terminal error frame.
func (s *Stream) Next() (*core.StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}

	// The first chunk was validated when the target opened.
	if chunk := s.pending; chunk != nil {
		s.pending = nil
		return chunk, nil
	}

	chunk, err := s.inner.Next()
	if errors.Is(err, io.EOF) {
		if violations := s.tools.finish(); len(violations) > 0 {
			return nil, s.fail(violations, nil)
		}
		s.complete()
		return nil, io.EOF
	}
	if err != nil {
		return nil, s.fail(nil, core.AsGatewayError(s.Provider(), err))
	}

	if violations := s.tools.check(chunk); len(violations) > 0 {
		return nil, s.fail(violations, nil)
	}
	return chunk, nil
}

func (s *Stream) complete() {
	s.err = io.EOF
	s.winner.Status = StatusSucceeded
	s.winner.Finished = s.engine.now()
	s.engine.mustTransition(s.res, StateNormalized)
	s.engine.mustTransition(s.res, StateDone)
}

// fail ends the stream with gwErr, or with a tool call error built from violations.
func (s *Stream) fail(violations []toolCallViolation, gwErr *core.GatewayError) error {
	o := s.winner
	if len(violations) > 0 {
		for _, v := range violations {
			s.res.discard(Discard{Provider: o.Target.Provider, Model: o.Target.Model, Reason: v.Reason, ToolCallID: v.ID, ToolName: v.Name})
		}
		gwErr = toolCallError(o.Target.Provider, violations)
	}
	o.fail(gwErr, s.engine.now())
	s.res.failWith(gwErr)
	s.err = gwErr
	return gwErr
}

// Close cancels every target, closes the winning stream and records the dispatch.
// It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancelAll()
		err = s.inner.Close()
		s.losers.Wait()

		if !s.res.State().Terminal() {
			// The client went away or stopped reading before the end.
			gwErr := cancelledError(s.Provider(), context.Canceled)
			s.winner.fail(gwErr, s.engine.now())
			s.winner.Status = StatusCancelled
			s.res.failWith(gwErr)
		}
		s.engine.record(s.res)
	})
	return err
}
