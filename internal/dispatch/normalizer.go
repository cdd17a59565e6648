package dispatch

import (
	"strings"

	"github.com/google/uuid"

	"aiproxy/config"
	"aiproxy/internal/core"
)

// concatSeparator joins contents under the concatenate policy.
const concatSeparator = "\n\n"

// Merge turns the joined outcomes of a non-streaming dispatch into the client response.
// It records the selected outcome and every unused success as a discard on res.
func Merge(route *core.Route, res *Result) (*core.ChatResponse, error) {
	var successes []*Outcome
	for _, o := range res.Outcomes {
		if o.Status == StatusSucceeded {
			successes = append(successes, o)
		}
	}

	if len(successes) == 0 {
		return nil, failure(route, res)
	}

	if len(route.Targets) == 1 {
		res.Selected = 0
		return successes[0].Response, nil
	}

	switch route.Policy {
	case config.PolicyConcatenate:
		return concatenate(route, res, successes), nil
	case config.PolicyFastest:
		winner := successes[0]
		for _, o := range successes[1:] {
			if o.Finished.Before(winner.Finished) {
				winner = o
			}
		}
		return selectOutcome(res, winner, successes), nil
	default:
		return selectOutcome(res, successes[0], successes), nil
	}
}

// failure builds the error for a dispatch without any success. A single target
// keeps its own error; fan-outs aggregate every per-target error.
func failure(route *core.Route, res *Result) *core.GatewayError {
	if len(route.Targets) == 1 && res.Outcomes[0].Err != nil {
		return res.Outcomes[0].Err
	}
	causes := make([]*core.GatewayError, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		if o.Err != nil {
			causes = append(causes, o.Err)
		}
	}
	return core.NewAllFailedError(causes)
}

func selectOutcome(res *Result, winner *Outcome, successes []*Outcome) *core.ChatResponse {
	res.Selected = winner.Index
	for _, o := range successes {
		if o == winner {
			continue
		}
		res.discard(Discard{Provider: o.Target.Provider, Model: o.Target.Model, Reason: ReasonNotSelected})
		res.discardToolCalls(o, ReasonNotSelected)
	}
	return winner.Response
}

// concatenate joins every successful content in configured order into one choice.
// Tool calls come from the highest-priority success that has any.
func concatenate(route *core.Route, res *Result, successes []*Outcome) *core.ChatResponse {
	var (
		contents  []string
		providers []string
		usage     *core.Usage
		toolCalls []core.ToolCall
		toolsFrom *Outcome
		created   int64
	)

	for _, o := range successes {
		resp := o.Response
		providers = append(providers, o.Target.Provider)
		usage = usage.Add(resp.Usage)
		if resp.Created > created {
			created = resp.Created
		}
		if len(resp.Choices) == 0 {
			continue
		}
		msg := resp.Choices[0].Message
		if msg.Content != "" {
			contents = append(contents, msg.Content)
		}
		if len(msg.ToolCalls) > 0 {
			if toolsFrom == nil {
				toolsFrom = o
				toolCalls = msg.ToolCalls
			} else {
				res.discardToolCalls(o, ReasonToolCallsFromOther)
			}
		}
	}

	finish := core.FinishReasonStop
	if len(toolCalls) > 0 {
		finish = core.FinishReasonToolCalls
	} else if first := successes[0].Response; len(first.Choices) > 0 && first.Choices[0].FinishReason != "" {
		finish = first.Choices[0].FinishReason
	}

	if toolsFrom != nil {
		res.Selected = toolsFrom.Index
	} else {
		res.Selected = successes[0].Index
	}

	return &core.ChatResponse{
		ID:       "chatcmpl-" + uuid.NewString(),
		Object:   "chat.completion",
		Created:  created,
		Model:    route.Alias,
		Provider: strings.Join(providers, ","),
		Choices: []core.Choice{{
			Index: 0,
			Message: core.Message{
				Role:      core.RoleAssistant,
				Content:   strings.Join(contents, concatSeparator),
				ToolCalls: toolCalls,
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}
