// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package flow contains the pure decision logic that scopes what the
// automated pipeline may do: the lifecycle state machine (which actions are
// legal in which state, which transitions exist) and the decision service
// that gates actions on (intent, state) and derives follow-up transitions
// from action results.
//
// Everything in this package is a total function over fixed tables. There is
// no I/O, no clock, and no mutation; unknown inputs fail closed.
package flow

import "github.com/AleutianAI/AleutianConverse/services/router/datatypes"

// =============================================================================
// Action Vocabulary
// =============================================================================

// Canonical action names. Every action referenced by any state must have a
// handler registered in the tools registry; tools.Registry.ValidateCoverage
// enforces that at startup.
const (
	ActionSearchOfferings   = "search_offerings"
	ActionFilterResults     = "filter_results"
	ActionGetDetails        = "get_offering_details"
	ActionCompareOfferings  = "compare_offerings"
	ActionCheckPrice        = "check_price"
	ActionCheckAvailability = "check_availability"
	ActionGetMarketData     = "get_market_data"
	ActionScoreCredit       = "score_credit"
	ActionEstimateValuation = "estimate_valuation"
	ActionRunAssessment     = "run_assessment"
	ActionSubmitOrder       = "submit_order"
)

// readOnlyCatalogActions bypass the intent gate entirely: they are safe in
// any state where the state machine already allows them.
var readOnlyCatalogActions = map[string]bool{
	ActionCheckPrice:        true,
	ActionCheckAvailability: true,
	ActionGetDetails:        true,
}

// IsReadOnlyCatalogAction reports whether the action skips the intent check.
func IsReadOnlyCatalogAction(action string) bool {
	return readOnlyCatalogActions[action]
}

// =============================================================================
// State Machine Tables
// =============================================================================

// browseSet is the action set shared by the exploratory states.
func browseSet(extra ...string) []string {
	base := []string{
		ActionSearchOfferings,
		ActionFilterResults,
		ActionGetDetails,
		ActionCompareOfferings,
		ActionCheckPrice,
		ActionCheckAvailability,
	}
	return append(base, extra...)
}

// allowedActions maps each lifecycle state to the actions legal in it.
// Terminal states carry the idle set because the next message restarts the
// flow from them; handover allows nothing.
var allowedActions = map[datatypes.LifecycleState][]string{
	datatypes.StateIdle: {
		ActionSearchOfferings,
		ActionGetDetails,
		ActionCheckPrice,
		ActionCheckAvailability,
	},
	datatypes.StateBrowsing:  browseSet(),
	datatypes.StateSearching: browseSet(),
	datatypes.StateFiltering: browseSet(),
	datatypes.StateViewing: browseSet(
		ActionGetMarketData,
		ActionEstimateValuation,
		ActionRunAssessment,
		ActionScoreCredit,
	),
	datatypes.StateComparing: browseSet(
		ActionGetMarketData,
		ActionEstimateValuation,
	),
	datatypes.StateAnalyzing: {
		ActionGetMarketData,
		ActionScoreCredit,
		ActionEstimateValuation,
		ActionRunAssessment,
		ActionGetDetails,
		ActionCheckPrice,
	},
	// Purchasing intentionally mixes the side-effecting submit with
	// read-only lookups so a user can still browse while finalizing.
	datatypes.StatePurchasing: {
		ActionSubmitOrder,
		ActionGetDetails,
		ActionCheckPrice,
		ActionCheckAvailability,
	},
	datatypes.StateCompleted: {
		ActionSearchOfferings,
		ActionGetDetails,
		ActionCheckPrice,
		ActionCheckAvailability,
	},
	datatypes.StateClosed: {
		ActionSearchOfferings,
		ActionGetDetails,
		ActionCheckPrice,
		ActionCheckAvailability,
	},
	datatypes.StateError: {
		ActionSearchOfferings,
		ActionGetDetails,
		ActionCheckPrice,
		ActionCheckAvailability,
	},
	datatypes.StateHandover: {},
}

// legalTransitions maps each state to the set of states it may move to.
// Self-loops are declared explicitly where repeated operations keep the
// session in place (a fresh search while searching, refining a filter).
var legalTransitions = map[datatypes.LifecycleState][]datatypes.LifecycleState{
	datatypes.StateIdle: {
		datatypes.StateBrowsing, datatypes.StateSearching,
		datatypes.StateViewing, datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateBrowsing: {
		datatypes.StateSearching, datatypes.StateFiltering,
		datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateIdle, datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateSearching: {
		datatypes.StateSearching, datatypes.StateFiltering,
		datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StateBrowsing, datatypes.StateIdle,
		datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateFiltering: {
		datatypes.StateFiltering, datatypes.StateViewing,
		datatypes.StateComparing, datatypes.StateSearching,
		datatypes.StateBrowsing, datatypes.StateIdle,
		datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateViewing: {
		datatypes.StateComparing, datatypes.StateAnalyzing,
		datatypes.StatePurchasing, datatypes.StateSearching,
		datatypes.StateBrowsing, datatypes.StateIdle,
		datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateComparing: {
		datatypes.StateViewing, datatypes.StateAnalyzing,
		datatypes.StatePurchasing, datatypes.StateSearching,
		datatypes.StateIdle, datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateAnalyzing: {
		datatypes.StateViewing, datatypes.StateComparing,
		datatypes.StatePurchasing, datatypes.StateIdle,
		datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StatePurchasing: {
		datatypes.StateCompleted, datatypes.StateError,
		datatypes.StateViewing, datatypes.StateIdle,
		datatypes.StateHandover, datatypes.StateClosed,
	},
	datatypes.StateCompleted: {datatypes.StateIdle},
	datatypes.StateClosed:    {datatypes.StateIdle},
	datatypes.StateError:     {datatypes.StateIdle},
	// Handover only releases through an explicit operator resume.
	datatypes.StateHandover: {datatypes.StateIdle},
}

// =============================================================================
// State Machine
// =============================================================================

// StateMachine exposes pure lookups over the fixed lifecycle tables.
//
// Thread Safety: StateMachine is immutable after construction and safe for
// concurrent use.
type StateMachine struct {
	actions     map[datatypes.LifecycleState]map[string]bool
	transitions map[datatypes.LifecycleState]map[datatypes.LifecycleState]bool
}

// NewStateMachine builds the lookup indexes from the static tables.
func NewStateMachine() *StateMachine {
	m := &StateMachine{
		actions:     make(map[datatypes.LifecycleState]map[string]bool, len(allowedActions)),
		transitions: make(map[datatypes.LifecycleState]map[datatypes.LifecycleState]bool, len(legalTransitions)),
	}
	for state, acts := range allowedActions {
		set := make(map[string]bool, len(acts))
		for _, a := range acts {
			set[a] = true
		}
		m.actions[state] = set
	}
	for from, tos := range legalTransitions {
		set := make(map[datatypes.LifecycleState]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		m.transitions[from] = set
	}
	return m
}

// AllowedActions returns the action names legal in the given state.
//
// Unknown state strings fall back to the idle set (fail toward the default
// state, never toward a wider set). The returned slice is a fresh copy the
// caller may mutate.
func (m *StateMachine) AllowedActions(state datatypes.LifecycleState) []string {
	set, ok := m.actions[state]
	if !ok {
		set = m.actions[datatypes.StateIdle]
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// IsActionAllowed reports whether action is legal in state. Unknown states
// use the idle set.
func (m *StateMachine) IsActionAllowed(state datatypes.LifecycleState, action string) bool {
	set, ok := m.actions[state]
	if !ok {
		set = m.actions[datatypes.StateIdle]
	}
	return set[action]
}

// IsLegalTransition reports whether from → to appears in the transition
// table. Unknown states are illegal on either side (fail closed). There are
// no implicit self-loops: from == to is legal only where declared.
func (m *StateMachine) IsLegalTransition(from, to datatypes.LifecycleState) bool {
	set, ok := m.transitions[from]
	if !ok {
		return false
	}
	return set[to]
}

// ActionVocabulary returns the deduplicated set of every action referenced
// by any state. The tools registry validates handler coverage against it.
func (m *StateMachine) ActionVocabulary() []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range m.actions {
		for a := range set {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}
