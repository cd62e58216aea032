// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"testing"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine()

	valid := []struct {
		from datatypes.LifecycleState
		to   datatypes.LifecycleState
	}{
		{datatypes.StateIdle, datatypes.StateBrowsing},
		{datatypes.StateIdle, datatypes.StateSearching},
		{datatypes.StateIdle, datatypes.StateHandover},
		{datatypes.StateBrowsing, datatypes.StateSearching},
		{datatypes.StateSearching, datatypes.StateSearching}, // declared self-loop
		{datatypes.StateSearching, datatypes.StateViewing},
		{datatypes.StateFiltering, datatypes.StateFiltering}, // declared self-loop
		{datatypes.StateViewing, datatypes.StatePurchasing},
		{datatypes.StateViewing, datatypes.StateAnalyzing},
		{datatypes.StateComparing, datatypes.StatePurchasing},
		{datatypes.StateAnalyzing, datatypes.StatePurchasing},
		{datatypes.StatePurchasing, datatypes.StateCompleted},
		{datatypes.StatePurchasing, datatypes.StateError},
		{datatypes.StateCompleted, datatypes.StateIdle},
		{datatypes.StateClosed, datatypes.StateIdle},
		{datatypes.StateError, datatypes.StateIdle},
		{datatypes.StateHandover, datatypes.StateIdle},
	}

	for _, tt := range valid {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if !sm.IsLegalTransition(tt.from, tt.to) {
				t.Errorf("expected transition %s -> %s to be legal", tt.from, tt.to)
			}
		})
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine()

	invalid := []struct {
		from datatypes.LifecycleState
		to   datatypes.LifecycleState
	}{
		{datatypes.StateIdle, datatypes.StatePurchasing},
		{datatypes.StateIdle, datatypes.StateCompleted},
		{datatypes.StateIdle, datatypes.StateIdle}, // no implicit self-loop
		{datatypes.StateBrowsing, datatypes.StateBrowsing},
		{datatypes.StateBrowsing, datatypes.StatePurchasing},
		{datatypes.StateCompleted, datatypes.StatePurchasing},
		{datatypes.StateHandover, datatypes.StatePurchasing},
		{datatypes.StateHandover, datatypes.StateBrowsing},
		{datatypes.StateCompleted, datatypes.StateCompleted},
	}

	for _, tt := range invalid {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if sm.IsLegalTransition(tt.from, tt.to) {
				t.Errorf("expected transition %s -> %s to be illegal", tt.from, tt.to)
			}
		})
	}
}

func TestStateMachine_UnknownStatesFailClosed(t *testing.T) {
	sm := NewStateMachine()

	if sm.IsLegalTransition("bogus", datatypes.StateIdle) {
		t.Error("unknown from-state must be illegal")
	}
	if sm.IsLegalTransition(datatypes.StateIdle, "bogus") {
		t.Error("unknown to-state must be illegal")
	}

	// Unknown states are treated as idle for action lookups.
	got := sm.AllowedActions("bogus")
	want := sm.AllowedActions(datatypes.StateIdle)
	if len(got) != len(want) {
		t.Errorf("unknown state allowed actions = %v, want idle set %v", got, want)
	}
}

func TestStateMachine_AllowedActions(t *testing.T) {
	sm := NewStateMachine()

	// Purchasing keeps read-only lookups next to the side-effecting submit.
	for _, action := range []string{ActionSubmitOrder, ActionGetDetails, ActionCheckPrice, ActionCheckAvailability} {
		if !sm.IsActionAllowed(datatypes.StatePurchasing, action) {
			t.Errorf("expected %s allowed while purchasing", action)
		}
	}

	if sm.IsActionAllowed(datatypes.StateIdle, ActionSubmitOrder) {
		t.Error("submit_order must not be allowed while idle")
	}
	if len(sm.AllowedActions(datatypes.StateHandover)) != 0 {
		t.Error("handover must allow no actions")
	}
}

func TestStateMachine_ActionVocabularyCoversEveryAction(t *testing.T) {
	sm := NewStateMachine()

	vocab := make(map[string]bool)
	for _, a := range sm.ActionVocabulary() {
		vocab[a] = true
	}
	for _, a := range []string{
		ActionSearchOfferings, ActionFilterResults, ActionGetDetails,
		ActionCompareOfferings, ActionCheckPrice, ActionCheckAvailability,
		ActionGetMarketData, ActionScoreCredit, ActionEstimateValuation,
		ActionRunAssessment, ActionSubmitOrder,
	} {
		if !vocab[a] {
			t.Errorf("action %s missing from vocabulary", a)
		}
	}
}
