// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianConverse/services/router/cache"
	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/flow"
	"github.com/AleutianAI/AleutianConverse/services/router/llm"
	"github.com/AleutianAI/AleutianConverse/services/router/tools"
)

// DefaultToolBudget caps tool requests per turn. Every action the model
// asks for counts, whether or not it executes; the loop answers with what
// it has, or apologizes, once the budget is spent.
const DefaultToolBudget = 3

// exhaustedMessage is sent when the budget runs out with no final answer.
const exhaustedMessage = "I wasn't able to finish that in one go. Could you rephrase or break the request into smaller steps?"

// malformedArgsMessage ends the run when the model produced arguments
// that do not parse as JSON.
const malformedArgsMessage = "I couldn't work out the details of that request. Could you say it another way?"

// Input is everything one reasoning run needs.
type Input struct {
	Session *datatypes.Session
	Intent  datatypes.Intent
	Message string

	// History is the rolling window of prior turns, oldest first.
	History []llm.Message

	// Slots are the session's context slots, used for both the prompt
	// and argument filling.
	Slots []datatypes.ContextSlot

	// Suggestion is an optional near-miss cache entry folded into the
	// prompt as context.
	Suggestion *cache.Suggestion
}

// Outcome is the result of one reasoning run.
type Outcome struct {
	// Reply is the final user-facing text. Always non-empty.
	Reply string

	// UIPayload aggregates rendering hints from executed tools.
	UIPayload map[string]any

	// NextState is the lifecycle state the session should move to.
	// Equal to the entry state when nothing changed.
	NextState datatypes.LifecycleState

	// Usage aggregates token counts across every LLM call in the run.
	Usage datatypes.TokenUsage

	// ToolCalls is the number of tool executions performed.
	ToolCalls int

	// LastAction is the final executed action name, empty if none ran.
	LastAction string

	// SlotProposals are canonical key/value facts harvested from the
	// arguments of successful actions, for slot persistence.
	SlotProposals map[string]string

	// Exhausted is true when the tool budget ran out before a final
	// answer.
	Exhausted bool

	// Degraded is true when the reply is a local fallback because the
	// LLM provider was unavailable.
	Degraded bool
}

// Loop drives the agentic tier: prompt, tool call, result, repeat, under
// a hard budget.
//
// # Description
//
// Each iteration sends the conversation to the model with the tool specs
// the state machine currently allows. A text response ends the run. A
// tool call is gated through the executor; both results and rejections
// are fed back so the model can adjust. Lifecycle transitions derived
// from successful actions take effect immediately, so a mid-run
// transition narrows or widens the tool specs of the next iteration.
//
// # Thread Safety
//
// Loop is safe for concurrent use; all run state lives on the stack.
type Loop struct {
	client    llm.Client
	executor  *tools.Executor
	registry  *tools.Registry
	machine   *flow.StateMachine
	decisions *flow.DecisionService
	budget    int
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithToolBudget overrides the per-turn tool execution cap.
func WithToolBudget(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.budget = n
		}
	}
}

// NewLoop wires the reasoning loop. All dependencies are required.
func NewLoop(client llm.Client, executor *tools.Executor, registry *tools.Registry, machine *flow.StateMachine, decisions *flow.DecisionService, opts ...LoopOption) (*Loop, error) {
	if client == nil || executor == nil || registry == nil || machine == nil || decisions == nil {
		return nil, fmt.Errorf("all loop dependencies are required")
	}
	l := &Loop{
		client:    client,
		executor:  executor,
		registry:  registry,
		machine:   machine,
		decisions: decisions,
		budget:    DefaultToolBudget,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run executes one bounded reasoning turn.
func (l *Loop) Run(ctx context.Context, in Input) (*Outcome, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("nil session")
	}

	out := &Outcome{NextState: in.Session.State}
	currentState := in.Session.State
	requests := 0

	messages := make([]llm.Message, 0, len(in.History)+1)
	messages = append(messages, in.History...)
	messages = append(messages, llm.Message{Role: "user", Content: in.Message})

	for {
		allowed := l.machine.AllowedActions(currentState)
		resp, err := l.client.Generate(ctx, &llm.Request{
			SystemPrompt: BuildSystemPrompt(in.Session, in.Slots, allowed, in.Suggestion),
			Messages:     messages,
			Tools:        l.registry.Specs(allowed),
		})
		if err != nil {
			return nil, fmt.Errorf("reasoning call failed: %w", err)
		}
		out.Usage.Add(resp.Usage)

		if resp.Degraded {
			out.Reply = resp.Content
			out.Degraded = true
			return out, nil
		}

		if !resp.HasToolCalls() {
			out.Reply = resp.Content
			if out.Reply == "" {
				out.Reply = exhaustedMessage
				out.Exhausted = true
			}
			return out, nil
		}

		// Every requested action is charged, executed or not, so a model
		// stuck asking for refused or unknown tools cannot spin forever.
		if requests >= l.budget {
			slog.Warn("Tool budget exhausted",
				slog.String("session_id", in.Session.ID),
				slog.Int("budget", l.budget))
			out.Reply = exhaustedMessage
			out.Exhausted = true
			return out, nil
		}
		requests++

		// One tool call per iteration; extras are dropped.
		call := resp.ToolCalls[0]
		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: []llm.ToolCall{call},
		})

		feedback, terminal, executed := l.handleToolCall(ctx, in, call, &currentState, out)
		if terminal != "" {
			out.Reply = terminal
			return out, nil
		}
		messages = append(messages, llm.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    feedback,
		})
		if executed {
			out.ToolCalls++
		}
	}
}

// handleToolCall runs one model-requested action. It returns the tool
// message content, an optional user-facing reply that ends the run, and
// whether an execution took place. Malformed arguments and gate refusals
// end the run: the user sees what went wrong instead of the model
// retrying a request that cannot succeed.
func (l *Loop) handleToolCall(ctx context.Context, in Input, call llm.ToolCall, currentState *datatypes.LifecycleState, out *Outcome) (string, string, bool) {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			slog.Warn("Model produced malformed tool arguments",
				slog.String("session_id", in.Session.ID),
				slog.String("action", call.Name),
				slog.Any("error", err))
			return "", malformedArgsMessage, false
		}
	}

	gateSession := in.Session.Clone()
	gateSession.State = *currentState

	result, err := l.executor.Execute(ctx, gateSession, in.Intent, tools.Call{
		SessionID: in.Session.ID,
		TenantID:  in.Session.TenantID,
		Action:    call.Name,
		Args:      args,
	}, in.Slots)
	if err != nil {
		switch {
		case errors.Is(err, tools.ErrActionNotAllowed):
			reason := strings.TrimPrefix(err.Error(), tools.ErrActionNotAllowed.Error()+": ")
			return "", fmt.Sprintf("I can't do that right now: %s.", reason), false
		case errors.Is(err, tools.ErrUnknownTool):
			return fmt.Sprintf(`{"success":false,"error":"there is no action named %s"}`, call.Name), "", false
		default:
			slog.Error("Tool execution failed",
				slog.String("action", call.Name), slog.Any("error", err))
			return `{"success":false,"error":"the action failed"}`, "", true
		}
	}

	out.LastAction = call.Name
	if result.Success {
		for k, v := range args {
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			if out.SlotProposals == nil {
				out.SlotProposals = make(map[string]string)
			}
			out.SlotProposals[tools.CanonicalSlotKey(k)] = s
		}
	}
	if len(result.UIPayload) > 0 {
		if out.UIPayload == nil {
			out.UIPayload = make(map[string]any, len(result.UIPayload))
		}
		for k, v := range result.UIPayload {
			out.UIPayload[k] = v
		}
	}

	next, changed := l.decisions.DecideNextState(*currentState, call.Name, flow.ActionOutcome{
		Success:     result.Success,
		ResultCount: result.ResultCount,
	}, in.Intent)
	if changed && l.decisions.ValidateTransition(*currentState, next) {
		*currentState = next
		out.NextState = next
	}

	return result.ToModelContent(), "", true
}
