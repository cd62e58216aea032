// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model for the conversational
// router: sessions, turns, context slots, decision events, cache entries,
// and the closed lifecycle/intent vocabularies.
//
// All enumerated vocabularies in this package are closed sum types with a
// single canonical parse function each. Callers at system boundaries parse
// once and pass the typed value onward; no other package compares state or
// intent strings case-insensitively.
package datatypes

import "strings"

// =============================================================================
// Lifecycle States
// =============================================================================

// LifecycleState is the enumerated business-flow position of a conversation.
//
// The state scopes which actions the reasoning pass may take. StateIdle is
// the initial state; StateCompleted, StateClosed, and StateError loop back
// to idle; StateHandover is absorbing and bypasses the automated pipeline
// entirely until an operator resumes the session.
type LifecycleState string

const (
	// StateIdle is the initial state of every session.
	StateIdle LifecycleState = "idle"

	// StateBrowsing indicates general catalog exploration.
	StateBrowsing LifecycleState = "browsing"

	// StateSearching indicates an active search with results on the table.
	StateSearching LifecycleState = "searching"

	// StateFiltering indicates the user is narrowing search results.
	StateFiltering LifecycleState = "filtering"

	// StateViewing indicates a single offering is in focus.
	StateViewing LifecycleState = "viewing"

	// StateComparing indicates multiple offerings are being compared.
	StateComparing LifecycleState = "comparing"

	// StateAnalyzing indicates a domain analysis (market data, valuation,
	// credit scoring, assessment) is in progress.
	StateAnalyzing LifecycleState = "analyzing"

	// StatePurchasing indicates checkout is underway. Read-only lookups
	// remain allowed so the user can keep browsing while finalizing.
	StatePurchasing LifecycleState = "purchasing"

	// StateCompleted indicates a finished purchase flow.
	StateCompleted LifecycleState = "completed"

	// StateClosed indicates a conversation ended without purchase.
	StateClosed LifecycleState = "closed"

	// StateError indicates the flow aborted; next message starts from idle.
	StateError LifecycleState = "error"

	// StateHandover is the absorbing human-takeover state. While a session
	// is in handover the cache, FAQ lookup, and reasoning loop are all
	// bypassed.
	StateHandover LifecycleState = "handover"
)

// AllLifecycleStates lists every valid state, in rough flow order.
var AllLifecycleStates = []LifecycleState{
	StateIdle, StateBrowsing, StateSearching, StateFiltering, StateViewing,
	StateComparing, StateAnalyzing, StatePurchasing, StateCompleted,
	StateClosed, StateError, StateHandover,
}

// ParseLifecycleState is the canonical boundary parser for state strings.
//
// Description:
//
//	Maps a raw string (any casing, surrounding whitespace tolerated) to a
//	LifecycleState. Unknown strings map to StateIdle with ok=false so that
//	lookups over the state table fail closed to the default state.
//
// Inputs:
//
//	raw - The raw state string, e.g. from storage or an API payload.
//
// Outputs:
//
//	LifecycleState - The parsed state, or StateIdle if unrecognized.
//	bool - True if raw named a known state.
func ParseLifecycleState(raw string) (LifecycleState, bool) {
	s := LifecycleState(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllLifecycleStates {
		if s == known {
			return known, true
		}
	}
	return StateIdle, false
}

// String returns the wire representation of the state.
func (s LifecycleState) String() string { return string(s) }

// IsTerminal reports whether the state ends the active flow. Terminal states
// loop back to idle on the next message rather than absorbing.
func (s LifecycleState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateClosed, StateError:
		return true
	}
	return false
}

// IsAbsorbing reports whether the automated pipeline is bypassed entirely.
func (s LifecycleState) IsAbsorbing() bool { return s == StateHandover }
