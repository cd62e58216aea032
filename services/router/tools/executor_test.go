// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/flow"
	"github.com/AleutianAI/AleutianConverse/services/router/idempotency"
)

// countingInvoker executes actions and counts invocations per action.
type countingInvoker struct {
	counts  map[string]int
	results map[string]*Result
	panics  map[string]bool
}

func newCountingInvoker() *countingInvoker {
	return &countingInvoker{
		counts:  make(map[string]int),
		results: make(map[string]*Result),
		panics:  make(map[string]bool),
	}
}

func (i *countingInvoker) Invoke(_ context.Context, action string, _ map[string]any) (*Result, error) {
	i.counts[action]++
	if i.panics[action] {
		panic("backend exploded")
	}
	if res, ok := i.results[action]; ok {
		return res, nil
	}
	return OK(map[string]any{"invocation": i.counts[action]}, 1), nil
}

func newTestExecutor(t *testing.T, invoker Invoker) *Executor {
	t.Helper()
	machine := flow.NewStateMachine()
	registry, err := NewBuiltinRegistry(invoker, machine)
	require.NoError(t, err)
	exec, err := NewExecutor(registry, flow.NewDecisionService(machine), idempotency.NewMemoryStore())
	require.NoError(t, err)
	return exec
}

func testSession(state datatypes.LifecycleState) *datatypes.Session {
	s := datatypes.NewSession("acme", "bot-1", "web")
	s.State = state
	return s
}

func TestBuiltinRegistryCoversVocabulary(t *testing.T) {
	machine := flow.NewStateMachine()
	registry, err := NewBuiltinRegistry(newCountingInvoker(), machine)
	require.NoError(t, err)
	assert.ElementsMatch(t, machine.ActionVocabulary(), registry.Names())
}

func TestValidateCoverageRejectsMissingAction(t *testing.T) {
	registry := NewRegistry()
	err := registry.ValidateCoverage([]string{"search_offerings"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search_offerings")
}

func TestExecuteRejectsDisallowedAction(t *testing.T) {
	exec := newTestExecutor(t, newCountingInvoker())
	session := testSession(datatypes.StateIdle)

	// submit_order is never allowed from idle.
	_, err := exec.Execute(context.Background(), session, datatypes.IntentConfirm, Call{
		SessionID: session.ID,
		TenantID:  session.TenantID,
		Action:    flow.ActionSubmitOrder,
		Args:      map[string]any{"offering_id": "off-1"},
	}, nil)
	require.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestExecuteUnknownToolErrors(t *testing.T) {
	exec := newTestExecutor(t, newCountingInvoker())
	session := testSession(datatypes.StateBrowsing)

	_, err := exec.Execute(context.Background(), session, datatypes.IntentSearch, Call{
		Action: "delete_everything",
	}, nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestExecuteMutatingActionIsIdempotent(t *testing.T) {
	invoker := newCountingInvoker()
	exec := newTestExecutor(t, invoker)
	session := testSession(datatypes.StatePurchasing)
	call := Call{
		SessionID: session.ID,
		TenantID:  session.TenantID,
		Action:    flow.ActionSubmitOrder,
		Args:      map[string]any{"offering_id": "off-1", "quantity": 2},
	}

	first, err := exec.Execute(context.Background(), session, datatypes.IntentConfirm, call, nil)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.False(t, first.Replayed)

	second, err := exec.Execute(context.Background(), session, datatypes.IntentConfirm, call, nil)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, invoker.counts[flow.ActionSubmitOrder], "handler must run exactly once")
}

func TestExecuteDifferentArgsEscapeIdempotency(t *testing.T) {
	invoker := newCountingInvoker()
	exec := newTestExecutor(t, invoker)
	session := testSession(datatypes.StatePurchasing)

	for _, qty := range []int{1, 2} {
		_, err := exec.Execute(context.Background(), session, datatypes.IntentConfirm, Call{
			SessionID: session.ID,
			Action:    flow.ActionSubmitOrder,
			Args:      map[string]any{"offering_id": "off-1", "quantity": qty},
		}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, invoker.counts[flow.ActionSubmitOrder])
}

func TestExecuteReadOnlyActionReplaysIdenticalCall(t *testing.T) {
	invoker := newCountingInvoker()
	exec := newTestExecutor(t, invoker)
	session := testSession(datatypes.StateBrowsing)
	call := Call{
		SessionID: session.ID,
		Action:    flow.ActionCheckPrice,
		Args:      map[string]any{"offering_id": "off-1"},
	}

	first, err := exec.Execute(context.Background(), session, datatypes.IntentPriceInquiry, call, nil)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.False(t, first.Replayed)

	// A retried read with the same resolved arguments is served from the
	// idempotency store, byte for byte.
	second, err := exec.Execute(context.Background(), session, datatypes.IntentPriceInquiry, call, nil)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 1, invoker.counts[flow.ActionCheckPrice])
}

func TestExecuteFillsArgsFromActiveSlots(t *testing.T) {
	invoker := newCountingInvoker()
	exec := newTestExecutor(t, invoker)
	session := testSession(datatypes.StateViewing)

	slot := datatypes.NewContextSlot(session.ID, session.TenantID, "product_id", "off-42", datatypes.SlotFromUser)
	res, err := exec.Execute(context.Background(), session, datatypes.IntentPriceInquiry, Call{
		SessionID: session.ID,
		Action:    flow.ActionCheckPrice,
		Args:      map[string]any{},
	}, []datatypes.ContextSlot{*slot})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteMissingRequiredArgFailsGracefully(t *testing.T) {
	exec := newTestExecutor(t, newCountingInvoker())
	session := testSession(datatypes.StateViewing)

	res, err := exec.Execute(context.Background(), session, datatypes.IntentPriceInquiry, Call{
		SessionID: session.ID,
		Action:    flow.ActionCheckPrice,
		Args:      map[string]any{},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "offering_id")
}

func TestExecuteContainsHandlerPanic(t *testing.T) {
	invoker := newCountingInvoker()
	invoker.panics[flow.ActionSearchOfferings] = true
	exec := newTestExecutor(t, invoker)
	session := testSession(datatypes.StateIdle)

	res, err := exec.Execute(context.Background(), session, datatypes.IntentSearch, Call{
		SessionID: session.ID,
		Action:    flow.ActionSearchOfferings,
		Args:      map[string]any{"search_query": "bikes"},
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestIdempotencyKeyIgnoresArgOrder(t *testing.T) {
	a := idempotency.Key("s1", "submit_order", map[string]any{"a": 1, "b": "x"})
	b := idempotency.Key("s1", "submit_order", map[string]any{"b": "x", "a": 1})
	assert.Equal(t, a, b)
}

func TestFailedMutationIsNotRecorded(t *testing.T) {
	invoker := newCountingInvoker()
	invoker.results[flow.ActionSubmitOrder] = Fail("payment declined")
	exec := newTestExecutor(t, invoker)
	session := testSession(datatypes.StatePurchasing)
	call := Call{
		SessionID: session.ID,
		Action:    flow.ActionSubmitOrder,
		Args:      map[string]any{"offering_id": "off-1"},
	}

	res, err := exec.Execute(context.Background(), session, datatypes.IntentConfirm, call, nil)
	require.NoError(t, err)
	require.False(t, res.Success)

	// Retry after the failure is a real execution, not a replay.
	delete(invoker.results, flow.ActionSubmitOrder)
	res, err = exec.Execute(context.Background(), session, datatypes.IntentConfirm, call, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, invoker.counts[flow.ActionSubmitOrder])
}

func TestExecuteHookObservesOutcomes(t *testing.T) {
	invoker := newCountingInvoker()
	machine := flow.NewStateMachine()
	registry, err := NewBuiltinRegistry(invoker, machine)
	require.NoError(t, err)

	type observed struct{ action, status string }
	var seen []observed
	exec, err := NewExecutor(registry, flow.NewDecisionService(machine), idempotency.NewMemoryStore(),
		WithExecuteHook(func(action, status string) {
			seen = append(seen, observed{action, status})
		}))
	require.NoError(t, err)

	session := testSession(datatypes.StatePurchasing)
	call := Call{
		SessionID: session.ID,
		Action:    flow.ActionSubmitOrder,
		Args:      map[string]any{"offering_id": "off-1"},
	}

	_, err = exec.Execute(context.Background(), session, datatypes.IntentConfirm, call, nil)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), session, datatypes.IntentConfirm, call, nil)
	require.NoError(t, err)

	invoker.results[flow.ActionRunAssessment] = Fail("no data")
	analyzing := testSession(datatypes.StateAnalyzing)
	failCall := Call{
		SessionID: analyzing.ID,
		Action:    flow.ActionRunAssessment,
		Args:      map[string]any{"offering_id": "off-1", "customer_ref": "cust-9"},
	}
	_, err = exec.Execute(context.Background(), analyzing, datatypes.IntentConfirm, failCall, nil)
	require.NoError(t, err)

	// A call that fails argument validation is still reported.
	invalid, err := exec.Execute(context.Background(), analyzing, datatypes.IntentConfirm, Call{
		SessionID: analyzing.ID,
		Action:    flow.ActionRunAssessment,
		Args:      map[string]any{"customer_ref": "cust-9"},
	}, nil)
	require.NoError(t, err)
	require.False(t, invalid.Success)

	assert.Equal(t, []observed{
		{flow.ActionSubmitOrder, "success"},
		{flow.ActionSubmitOrder, "replayed"},
		{flow.ActionRunAssessment, "failure"},
		{flow.ActionRunAssessment, "failure"},
	}, seen)
}
