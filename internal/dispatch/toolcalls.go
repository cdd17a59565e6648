package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"aiproxy/internal/core"
)

// toolCallViolation describes one tool call that cannot be forwarded.
type toolCallViolation struct {
	ID     string
	Name   string
	Reason string
}

// checkToolCall validates a complete tool call against the declared tools.
// Empty arguments are accepted as an empty object.
func checkToolCall(declared map[string]struct{}, tc core.ToolCall) *toolCallViolation {
	if _, ok := declared[tc.Function.Name]; !ok {
		return &toolCallViolation{ID: tc.ID, Name: tc.Function.Name, Reason: ReasonUndeclaredFunction}
	}
	if args := strings.TrimSpace(tc.Function.Arguments); args != "" && !json.Valid([]byte(args)) {
		return &toolCallViolation{ID: tc.ID, Name: tc.Function.Name, Reason: ReasonInvalidArguments}
	}
	return nil
}

// validateResponseToolCalls checks every tool call of a translated response.
// Any violation fails the target; all offending calls are returned for the discard record.
func validateResponseToolCalls(req *core.ChatRequest, resp *core.ChatResponse) []toolCallViolation {
	var declared map[string]struct{}
	var violations []toolCallViolation
	for _, ch := range resp.Choices {
		for _, tc := range ch.Message.ToolCalls {
			if declared == nil {
				declared = req.ToolNames()
			}
			if v := checkToolCall(declared, tc); v != nil {
				violations = append(violations, *v)
			}
		}
	}
	return violations
}

// toolCallError converts violations into the upstream error that fails a target.
func toolCallError(provider string, violations []toolCallViolation) *core.GatewayError {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		switch v.Reason {
		case ReasonUndeclaredFunction:
			parts = append(parts, fmt.Sprintf("tool call to undeclared function %q", v.Name))
		default:
			parts = append(parts, fmt.Sprintf("tool call %q has invalid JSON arguments", v.Name))
		}
	}
	return core.NewUpstreamError(provider, http.StatusBadGateway, "invalid tool calls from provider: "+strings.Join(parts, "; "), nil)
}

// streamToolCalls accumulates streamed tool call fragments by index.
type streamToolCalls struct {
	declared map[string]struct{}
	calls    map[int]*core.ToolCall
}

func newStreamToolCalls(req *core.ChatRequest) *streamToolCalls {
	return &streamToolCalls{declared: req.ToolNames(), calls: make(map[int]*core.ToolCall)}
}

// add merges the tool call deltas of chunk. A function name is checked as soon as it appears.
func (s *streamToolCalls) add(chunk *core.StreamChunk) *toolCallViolation {
	for _, ch := range chunk.Choices {
		for pos, delta := range ch.Delta.ToolCalls {
			idx := pos
			if delta.Index != nil {
				idx = *delta.Index
			}
			tc, ok := s.calls[idx]
			if !ok {
				tc = &core.ToolCall{}
				s.calls[idx] = tc
			}
			if delta.ID != "" {
				tc.ID = delta.ID
			}
			if delta.Function.Name != "" && tc.Function.Name == "" {
				tc.Function.Name = delta.Function.Name
				if _, ok := s.declared[tc.Function.Name]; !ok {
					return &toolCallViolation{ID: tc.ID, Name: tc.Function.Name, Reason: ReasonUndeclaredFunction}
				}
			}
			tc.Function.Arguments += delta.Function.Arguments
		}
	}
	return nil
}

// finish validates every accumulated call in index order.
func (s *streamToolCalls) finish() []toolCallViolation {
	indexes := make([]int, 0, len(s.calls))
	for i := range s.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var violations []toolCallViolation
	for _, i := range indexes {
		if v := checkToolCall(s.declared, *s.calls[i]); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

// check adds chunk and, once it closes a choice, validates every accumulated call.
func (s *streamToolCalls) check(chunk *core.StreamChunk) []toolCallViolation {
	if v := s.add(chunk); v != nil {
		return []toolCallViolation{*v}
	}
	if hasFinishReason(chunk) {
		return s.finish()
	}
	return nil
}

// hasFinishReason reports whether chunk closes a choice.
func hasFinishReason(chunk *core.StreamChunk) bool {
	for _, ch := range chunk.Choices {
		if ch.FinishReason != nil {
			return true
		}
	}
	return false
}
