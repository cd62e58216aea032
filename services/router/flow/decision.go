// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// =============================================================================
// Intent Gate Table
// =============================================================================

// intentAllowedStates maps each intent to the lifecycle states in which a
// non-bypass action may execute under that intent. Read-only catalog actions
// never consult this table.
var intentAllowedStates = map[datatypes.Intent][]datatypes.LifecycleState{
	datatypes.IntentGreeting: datatypes.AllLifecycleStates,
	datatypes.IntentSearch: {
		datatypes.StateIdle, datatypes.StateBrowsing, datatypes.StateSearching,
		datatypes.StateFiltering, datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateCompleted, datatypes.StateClosed, datatypes.StateError,
	},
	datatypes.IntentPriceInquiry: {
		datatypes.StateIdle, datatypes.StateBrowsing, datatypes.StateSearching,
		datatypes.StateFiltering, datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateAnalyzing, datatypes.StatePurchasing,
	},
	datatypes.IntentAvailabilityCheck: {
		datatypes.StateIdle, datatypes.StateBrowsing, datatypes.StateSearching,
		datatypes.StateFiltering, datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateAnalyzing, datatypes.StatePurchasing,
	},
	datatypes.IntentProvideInfo: {
		datatypes.StateBrowsing, datatypes.StateSearching, datatypes.StateFiltering,
		datatypes.StateViewing, datatypes.StateComparing, datatypes.StateAnalyzing,
		datatypes.StatePurchasing,
	},
	datatypes.IntentConfirm: {
		datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateAnalyzing, datatypes.StatePurchasing,
	},
	datatypes.IntentCancel: {
		datatypes.StateIdle, datatypes.StateBrowsing, datatypes.StateSearching,
		datatypes.StateFiltering, datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateAnalyzing, datatypes.StatePurchasing,
	},
	// Unknown intent deliberately excludes purchasing: a mutation the
	// classifier could not attribute never reaches the submit path.
	datatypes.IntentUnknown: {
		datatypes.StateIdle, datatypes.StateBrowsing, datatypes.StateSearching,
		datatypes.StateFiltering, datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateAnalyzing,
	},
}

// =============================================================================
// Action Outcomes
// =============================================================================

// ResultCountUnknown marks an outcome whose result cardinality does not
// apply (detail lookups, submissions).
const ResultCountUnknown = -1

// ActionOutcome is the slice of a tool result the decision service needs to
// derive a follow-up transition.
type ActionOutcome struct {
	// Success reports whether the handler completed without error.
	Success bool

	// ResultCount is the number of items a search-like action returned, or
	// ResultCountUnknown when cardinality does not apply.
	ResultCount int
}

// =============================================================================
// Decision Service
// =============================================================================

// DecisionService is the intent/state enforcement gate. It approves every
// state-mutating action before execution and derives the next lifecycle
// state from action results.
//
// Thread Safety: DecisionService is immutable after construction and safe
// for concurrent use.
type DecisionService struct {
	machine *StateMachine
	intents map[datatypes.Intent]map[datatypes.LifecycleState]bool

	// onDiscard is invoked for every rejected transition proposal, so
	// discards surface in metrics rather than only in logs.
	onDiscard func(from, to datatypes.LifecycleState)
}

// NewDecisionService builds the gate over the given state machine.
func NewDecisionService(machine *StateMachine) *DecisionService {
	d := &DecisionService{
		machine: machine,
		intents: make(map[datatypes.Intent]map[datatypes.LifecycleState]bool, len(intentAllowedStates)),
	}
	for intent, states := range intentAllowedStates {
		set := make(map[datatypes.LifecycleState]bool, len(states))
		for _, s := range states {
			set[s] = true
		}
		d.intents[intent] = set
	}
	return d
}

// SetDiscardHook registers a callback for rejected transition proposals.
// Call before serving traffic; the hook is not synchronized.
func (d *DecisionService) SetDiscardHook(fn func(from, to datatypes.LifecycleState)) {
	d.onDiscard = fn
}

// CanExecute decides whether action may run given the detected intent and
// current state.
//
// Description:
//
//	The state machine is the primary gate: an action absent from
//	AllowedActions(state) is denied regardless of intent. Read-only catalog
//	actions then bypass the intent check entirely. Every other action also
//	requires state ∈ IntentAllowedStates(intent). Denials carry a
//	human-readable reason suitable for quoting back to the user.
//
// Outputs:
//
//	bool - True if the action may execute.
//	string - Empty on approval; the denial reason otherwise.
func (d *DecisionService) CanExecute(intent datatypes.Intent, state datatypes.LifecycleState, action string) (bool, string) {
	if !d.machine.IsActionAllowed(state, action) {
		return false, fmt.Sprintf("action %q is not allowed while the conversation is %s", action, state)
	}
	if IsReadOnlyCatalogAction(action) {
		return true, ""
	}
	set, ok := d.intents[intent]
	if !ok {
		set = d.intents[datatypes.IntentUnknown]
	}
	if !set[state] {
		return false, fmt.Sprintf("intent %q does not permit %q in the %s state", intent, action, state)
	}
	return true, ""
}

// DecideNextState derives the follow-up lifecycle state from an executed
// action.
//
// Description:
//
//	Intent-driven rules take precedence when an intent is supplied: cancel
//	always routes back to idle, and confirm promotes viewing/comparing to
//	purchasing. Otherwise per-action rules apply: a successful search moves
//	to searching when it found results and browsing when it found none; a
//	detail lookup moves to viewing; a compare to comparing; the analysis
//	actions to analyzing; a successful submit to completed. A failed action
//	never proposes a transition.
//
// Outputs:
//
//	datatypes.LifecycleState - The proposed next state.
//	bool - False when no transition should occur.
func (d *DecisionService) DecideNextState(state datatypes.LifecycleState, action string, outcome ActionOutcome, intent datatypes.Intent) (datatypes.LifecycleState, bool) {
	// Intent rules win over action rules.
	switch intent {
	case datatypes.IntentCancel:
		return datatypes.StateIdle, true
	case datatypes.IntentConfirm:
		if state == datatypes.StateViewing || state == datatypes.StateComparing {
			return datatypes.StatePurchasing, true
		}
	}

	if !outcome.Success {
		return "", false
	}

	switch action {
	case ActionSearchOfferings:
		if outcome.ResultCount > 0 {
			return datatypes.StateSearching, true
		}
		return datatypes.StateBrowsing, true
	case ActionFilterResults:
		return datatypes.StateFiltering, true
	case ActionGetDetails:
		return datatypes.StateViewing, true
	case ActionCompareOfferings:
		return datatypes.StateComparing, true
	case ActionGetMarketData, ActionScoreCredit, ActionEstimateValuation, ActionRunAssessment:
		return datatypes.StateAnalyzing, true
	case ActionSubmitOrder:
		return datatypes.StateCompleted, true
	}
	return "", false
}

// ValidateTransition reports whether from → to may be applied.
//
// A missing or empty from is always valid: it bootstraps a session's first
// real state. Everything else defers to the state machine's table. Callers
// must log and discard an invalid proposal, leaving the session state
// unchanged; this function never panics.
func (d *DecisionService) ValidateTransition(from, to datatypes.LifecycleState) bool {
	if from == "" {
		return true
	}
	ok := d.machine.IsLegalTransition(from, to)
	if !ok {
		slog.Warn("Discarding illegal state transition",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		if d.onDiscard != nil {
			d.onDiscard(from, to)
		}
	}
	return ok
}
