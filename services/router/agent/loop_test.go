// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/flow"
	"github.com/AleutianAI/AleutianConverse/services/router/idempotency"
	"github.com/AleutianAI/AleutianConverse/services/router/llm"
	"github.com/AleutianAI/AleutianConverse/services/router/tools"
)

type scriptedInvoker struct {
	results map[string]*tools.Result
	calls   []string
}

func (i *scriptedInvoker) Invoke(_ context.Context, action string, _ map[string]any) (*tools.Result, error) {
	i.calls = append(i.calls, action)
	if res, ok := i.results[action]; ok {
		return res, nil
	}
	return tools.OK(map[string]any{"ok": true}, 1), nil
}

func newTestLoop(t *testing.T, mock *llm.MockClient, invoker tools.Invoker, opts ...LoopOption) *Loop {
	t.Helper()
	machine := flow.NewStateMachine()
	decisions := flow.NewDecisionService(machine)
	registry, err := tools.NewBuiltinRegistry(invoker, machine)
	require.NoError(t, err)
	executor, err := tools.NewExecutor(registry, decisions, idempotency.NewMemoryStore())
	require.NoError(t, err)
	loop, err := NewLoop(mock, executor, registry, machine, decisions, opts...)
	require.NoError(t, err)
	return loop
}

func agentSession(state datatypes.LifecycleState) *datatypes.Session {
	s := datatypes.NewSession("acme", "bot-1", "web")
	s.State = state
	return s
}

func TestRunPlainTextAnswer(t *testing.T) {
	mock := llm.NewMockClient().QueueText("We have three road bikes in stock.")
	loop := newTestLoop(t, mock, &scriptedInvoker{})

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateBrowsing),
		Intent:  datatypes.IntentSearch,
		Message: "what bikes do you have",
	})
	require.NoError(t, err)
	assert.Equal(t, "We have three road bikes in stock.", out.Reply)
	assert.Equal(t, 0, out.ToolCalls)
	assert.Equal(t, datatypes.StateBrowsing, out.NextState)
}

func TestRunToolCallThenAnswer(t *testing.T) {
	mock := llm.NewMockClient().
		QueueToolCall(flow.ActionSearchOfferings, `{"search_query":"road bikes"}`).
		QueueText("I found 5 road bikes for you.")
	invoker := &scriptedInvoker{results: map[string]*tools.Result{
		flow.ActionSearchOfferings: tools.OK(map[string]any{"items": []string{"a", "b"}}, 5),
	}}
	loop := newTestLoop(t, mock, invoker)

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateIdle),
		Intent:  datatypes.IntentSearch,
		Message: "show me road bikes",
	})
	require.NoError(t, err)
	assert.Equal(t, "I found 5 road bikes for you.", out.Reply)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, flow.ActionSearchOfferings, out.LastAction)
	// A successful search with results moves the flow to searching.
	assert.Equal(t, datatypes.StateSearching, out.NextState)

	// The tool result was round-tripped to the model.
	calls := mock.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, `"success":true`)
}

func TestRunBudgetExhaustion(t *testing.T) {
	mock := llm.NewMockClient()
	for i := 0; i < 4; i++ {
		mock.QueueToolCall(flow.ActionSearchOfferings, `{"search_query":"bikes"}`)
	}
	loop := newTestLoop(t, mock, &scriptedInvoker{}, WithToolBudget(3))

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateBrowsing),
		Intent:  datatypes.IntentSearch,
		Message: "bikes",
	})
	require.NoError(t, err)
	assert.True(t, out.Exhausted)
	assert.Equal(t, 3, out.ToolCalls)
	assert.NotEmpty(t, out.Reply)
}

func TestRunMalformedArgumentsEndTheRun(t *testing.T) {
	mock := llm.NewMockClient().
		QueueToolCall(flow.ActionSearchOfferings, `{"search_query": `)
	invoker := &scriptedInvoker{}
	loop := newTestLoop(t, mock, invoker)

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateBrowsing),
		Intent:  datatypes.IntentSearch,
		Message: "bikes",
	})
	require.NoError(t, err)
	// Malformed arguments never reach a handler; the user gets a parse
	// apology immediately instead of another model round.
	assert.Empty(t, invoker.calls)
	assert.Equal(t, 0, out.ToolCalls)
	assert.Equal(t, malformedArgsMessage, out.Reply)
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, datatypes.StateBrowsing, out.NextState)
}

func TestRunRejectedActionEndsRunWithReason(t *testing.T) {
	mock := llm.NewMockClient().
		QueueToolCall(flow.ActionSubmitOrder, `{"offering_id":"off-1"}`)
	invoker := &scriptedInvoker{}
	loop := newTestLoop(t, mock, invoker)

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateIdle),
		Intent:  datatypes.IntentConfirm,
		Message: "buy it",
	})
	require.NoError(t, err)
	assert.Empty(t, invoker.calls)
	assert.Equal(t, datatypes.StateIdle, out.NextState)
	// The reply quotes the gate's reason; no further model rounds happen.
	assert.Contains(t, out.Reply, "idle")
	assert.Contains(t, out.Reply, flow.ActionSubmitOrder)
	assert.Equal(t, 1, mock.CallCount())
}

func TestRunRefusedRequestsCannotSpin(t *testing.T) {
	// A model that keeps demanding an out-of-state order would previously
	// loop uncharged; the first refusal now ends the turn.
	mock := llm.NewMockClient().WithResponseFunc(func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      flow.ActionSubmitOrder,
			Arguments: `{"offering_id":"off-1"}`,
		}}}, nil
	})
	invoker := &scriptedInvoker{}
	loop := newTestLoop(t, mock, invoker, WithToolBudget(3))

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateIdle),
		Intent:  datatypes.IntentConfirm,
		Message: "buy it now",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mock.CallCount())
	assert.Empty(t, invoker.calls)
	assert.Contains(t, out.Reply, "idle")
}

func TestRunUnknownToolRequestsChargedToBudget(t *testing.T) {
	mock := llm.NewMockClient().WithResponseFunc(func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      "teleport_inventory",
			Arguments: `{}`,
		}}}, nil
	})
	loop := newTestLoop(t, mock, &scriptedInvoker{}, WithToolBudget(3))

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateBrowsing),
		Intent:  datatypes.IntentSearch,
		Message: "bikes",
	})
	require.NoError(t, err)
	// Three charged requests, then one more generation hits the cap.
	assert.True(t, out.Exhausted)
	assert.Equal(t, 0, out.ToolCalls)
	assert.Equal(t, 4, mock.CallCount())
}

func TestRunMidRunTransitionWidensTools(t *testing.T) {
	// A confirm intent while viewing promotes the flow to purchasing, so
	// the second iteration's tool specs include submit_order.
	mock := llm.NewMockClient().
		QueueToolCall(flow.ActionGetDetails, `{"offering_id":"off-1"}`).
		QueueText("Here are the details. Shall I order it?")
	loop := newTestLoop(t, mock, &scriptedInvoker{})

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateViewing),
		Intent:  datatypes.IntentConfirm,
		Message: "yes, tell me more about off-1 first",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Equal(t, datatypes.StatePurchasing, out.NextState)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	var names []string
	for _, spec := range calls[1].Tools {
		names = append(names, spec.Name)
	}
	assert.Contains(t, names, flow.ActionSubmitOrder)
}

func TestRunDegradedProviderReturnsFallback(t *testing.T) {
	failing := llm.NewMockClient().WithError(assert.AnError)
	resilient := llm.NewResilientClient(failing)
	machine := flow.NewStateMachine()
	decisions := flow.NewDecisionService(machine)
	registry, err := tools.NewBuiltinRegistry(&scriptedInvoker{}, machine)
	require.NoError(t, err)
	executor, err := tools.NewExecutor(registry, decisions, idempotency.NewMemoryStore())
	require.NoError(t, err)
	loop, err := NewLoop(resilient, executor, registry, machine, decisions)
	require.NoError(t, err)

	out, err := loop.Run(context.Background(), Input{
		Session: agentSession(datatypes.StateBrowsing),
		Intent:  datatypes.IntentSearch,
		Message: "bikes",
	})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, llm.FallbackMessage, out.Reply)
	assert.Equal(t, datatypes.StateBrowsing, out.NextState)
}
