package dispatch

import (
	"fmt"
	"sync"
	"time"

	"aiproxy/internal/core"
)

// State is the lifecycle state of one dispatched request.
type State string

const (
	StateRouted     State = "ROUTED"
	StateDispatched State = "DISPATCHED"
	StateAwaiting   State = "AWAITING_RESPONSES"
	StateStreaming  State = "STREAMING"
	StateNormalized State = "NORMALIZED"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// transitions lists the legal successors of each state. FAILED is reachable
// from every state except DONE and FAILED itself.
var transitions = map[State][]State{
	// Cache hits skip dispatch entirely.
	StateRouted:     {StateDispatched, StateNormalized},
	StateDispatched: {StateAwaiting, StateStreaming},
	StateAwaiting:   {StateNormalized},
	StateStreaming:  {StateNormalized},
	StateNormalized: {StateDone},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	if next == StateFailed {
		return s != StateDone && s != StateFailed
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Outcome statuses of one target.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Outcome is the result of invoking one target of a route.
// Each outcome is written by exactly one goroutine before the fan-out is joined.
type Outcome struct {
	Index    int
	Target   core.RouteTarget
	Status   string
	Response *core.ChatResponse
	Err      *core.GatewayError
	Attempts int
	Started  time.Time
	Finished time.Time
}

// Latency is the wall time spent on the target, including retries.
func (o *Outcome) Latency() time.Duration {
	if o.Started.IsZero() || o.Finished.IsZero() {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

func (o *Outcome) succeed(resp *core.ChatResponse, at time.Time) {
	o.Status = StatusSucceeded
	o.Response = resp
	o.Finished = at
}

func (o *Outcome) fail(err *core.GatewayError, at time.Time) {
	o.Status = StatusFailed
	o.Err = err
	o.Finished = at
}

// Discard reasons.
const (
	ReasonNotSelected        = "not_selected"
	ReasonStreamNotSelected  = "stream_not_selected"
	ReasonToolCallsFromOther = "tool_calls_taken_from_other_target"
	ReasonInvalidArguments   = "invalid_arguments"
	ReasonUndeclaredFunction = "undeclared_function"
)

// Discard records a result, or a single tool call, that was not forwarded to the client.
type Discard struct {
	Provider   string
	Model      string
	Reason     string
	ToolCallID string
	ToolName   string
}

// Result is the per-request dispatch record: target outcomes, state and discards.
// It is owned by the engine for the lifetime of the request.
type Result struct {
	RequestID string
	Route     *core.Route
	Stream    bool
	Started   time.Time
	Outcomes  []*Outcome
	// Selected is the index of the outcome forwarded to the client, or -1.
	Selected int
	Discards []Discard
	Cached   bool
	Err      *core.GatewayError

	mu    sync.Mutex
	state State
}

func newResult(requestID string, route *core.Route, stream bool, now time.Time) *Result {
	r := &Result{
		RequestID: requestID,
		Route:     route,
		Stream:    stream,
		Started:   now,
		Selected:  -1,
		state:     StateRouted,
		Outcomes:  make([]*Outcome, len(route.Targets)),
	}
	for i, t := range route.Targets {
		r.Outcomes[i] = &Outcome{Index: i, Target: t, Status: StatusPending}
	}
	return r
}

// State returns the current lifecycle state.
func (r *Result) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// transition moves the result to next, rejecting illegal moves.
func (r *Result) transition(next State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(next) {
		return fmt.Errorf("illegal dispatch state transition %s -> %s", r.state, next)
	}
	r.state = next
	return nil
}

// failWith records err and moves to FAILED when the result is not already terminal.
func (r *Result) failWith(err *core.GatewayError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err == nil {
		r.Err = err
	}
	if r.state.CanTransition(StateFailed) {
		r.state = StateFailed
	}
}

// finish walks the remaining success path to DONE.
func (r *Result) finish() error {
	if r.State() != StateNormalized {
		if err := r.transition(StateNormalized); err != nil {
			return err
		}
	}
	return r.transition(StateDone)
}

func (r *Result) discard(d Discard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Discards = append(r.Discards, d)
}

// discardToolCalls records every tool call of resp as dropped for reason.
func (r *Result) discardToolCalls(o *Outcome, reason string) {
	if o.Response == nil {
		return
	}
	for _, ch := range o.Response.Choices {
		for _, tc := range ch.Message.ToolCalls {
			r.discard(Discard{
				Provider:   o.Target.Provider,
				Model:      o.Target.Model,
				Reason:     reason,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
			})
		}
	}
}

// SelectedOutcome returns the forwarded outcome, if any.
func (r *Result) SelectedOutcome() *Outcome {
	if r.Selected < 0 || r.Selected >= len(r.Outcomes) {
		return nil
	}
	return r.Outcomes[r.Selected]
}
