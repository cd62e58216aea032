// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

func newDecisionService() *DecisionService {
	return NewDecisionService(NewStateMachine())
}

func TestCanExecute_StateMachineGateIsPrimary(t *testing.T) {
	d := newDecisionService()

	// If the state machine disallows the action, no intent can rescue it.
	for _, intent := range datatypes.AllIntents {
		ok, reason := d.CanExecute(intent, datatypes.StateIdle, ActionSubmitOrder)
		if ok {
			t.Errorf("intent %s: submit_order in idle must be denied", intent)
		}
		if !strings.Contains(reason, "idle") {
			t.Errorf("denial reason should reference the disallowed state, got %q", reason)
		}
	}
}

func TestCanExecute_ReadOnlyActionsBypassIntentGate(t *testing.T) {
	d := newDecisionService()

	// check_price is legal while purchasing even under unknown intent,
	// which would deny any non-bypass action there.
	ok, reason := d.CanExecute(datatypes.IntentUnknown, datatypes.StatePurchasing, ActionCheckPrice)
	if !ok {
		t.Fatalf("read-only action should bypass intent gate, denied: %s", reason)
	}
}

func TestCanExecute_IntentGate(t *testing.T) {
	d := newDecisionService()

	cases := []struct {
		intent datatypes.Intent
		state  datatypes.LifecycleState
		action string
		want   bool
	}{
		{datatypes.IntentConfirm, datatypes.StatePurchasing, ActionSubmitOrder, true},
		{datatypes.IntentUnknown, datatypes.StatePurchasing, ActionSubmitOrder, false},
		{datatypes.IntentSearch, datatypes.StateIdle, ActionSearchOfferings, true},
		{datatypes.IntentSearch, datatypes.StateBrowsing, ActionCompareOfferings, true},
		{datatypes.IntentProvideInfo, datatypes.StateIdle, ActionSearchOfferings, false},
	}
	for _, tt := range cases {
		got, _ := d.CanExecute(tt.intent, tt.state, tt.action)
		if got != tt.want {
			t.Errorf("CanExecute(%s, %s, %s) = %v, want %v", tt.intent, tt.state, tt.action, got, tt.want)
		}
	}
}

func TestDecideNextState_IntentRulesTakePrecedence(t *testing.T) {
	d := newDecisionService()

	// Cancel routes to idle even after a successful search.
	next, ok := d.DecideNextState(datatypes.StateSearching, ActionSearchOfferings,
		ActionOutcome{Success: true, ResultCount: 5}, datatypes.IntentCancel)
	if !ok || next != datatypes.StateIdle {
		t.Errorf("cancel should force idle, got (%s, %v)", next, ok)
	}

	// Confirm promotes viewing to purchasing.
	next, ok = d.DecideNextState(datatypes.StateViewing, ActionGetDetails,
		ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.IntentConfirm)
	if !ok || next != datatypes.StatePurchasing {
		t.Errorf("confirm while viewing should propose purchasing, got (%s, %v)", next, ok)
	}

	// Confirm elsewhere falls through to the action rule.
	next, ok = d.DecideNextState(datatypes.StatePurchasing, ActionSubmitOrder,
		ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.IntentConfirm)
	if !ok || next != datatypes.StateCompleted {
		t.Errorf("submit while purchasing should complete, got (%s, %v)", next, ok)
	}
}

func TestDecideNextState_ActionRules(t *testing.T) {
	d := newDecisionService()

	cases := []struct {
		name    string
		action  string
		outcome ActionOutcome
		want    datatypes.LifecycleState
		wantOK  bool
	}{
		{"search with results", ActionSearchOfferings, ActionOutcome{Success: true, ResultCount: 3}, datatypes.StateSearching, true},
		{"search empty", ActionSearchOfferings, ActionOutcome{Success: true, ResultCount: 0}, datatypes.StateBrowsing, true},
		{"details", ActionGetDetails, ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.StateViewing, true},
		{"compare", ActionCompareOfferings, ActionOutcome{Success: true, ResultCount: 2}, datatypes.StateComparing, true},
		{"market data", ActionGetMarketData, ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.StateAnalyzing, true},
		{"credit scoring", ActionScoreCredit, ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.StateAnalyzing, true},
		{"valuation", ActionEstimateValuation, ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.StateAnalyzing, true},
		{"assessment", ActionRunAssessment, ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, datatypes.StateAnalyzing, true},
		{"failed action", ActionSearchOfferings, ActionOutcome{Success: false}, "", false},
		{"read-only no rule", ActionCheckPrice, ActionOutcome{Success: true, ResultCount: ResultCountUnknown}, "", false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.DecideNextState(datatypes.StateIdle, tt.action, tt.outcome, datatypes.IntentUnknown)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("got (%s, %v), want (%s, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	d := newDecisionService()

	// An empty from-state bootstraps the session's first real state.
	if !d.ValidateTransition("", datatypes.StatePurchasing) {
		t.Error("empty from-state must always validate")
	}
	if !d.ValidateTransition(datatypes.StateIdle, datatypes.StateBrowsing) {
		t.Error("idle -> browsing must validate")
	}
	if d.ValidateTransition(datatypes.StateIdle, datatypes.StateCompleted) {
		t.Error("idle -> completed must not validate")
	}
}
