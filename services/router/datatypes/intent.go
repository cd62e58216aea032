// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "strings"

// =============================================================================
// Intent Vocabulary
// =============================================================================

// Intent is the classified communicative purpose of a single user message,
// independent of lifecycle state. Intents gate state-mutating actions; they
// never choose a reply by themselves.
type Intent string

const (
	// IntentGreeting covers hellos, thanks, and small talk.
	IntentGreeting Intent = "greeting"

	// IntentSearch asks to find offerings matching some criteria.
	IntentSearch Intent = "search"

	// IntentPriceInquiry asks about pricing for an offering.
	IntentPriceInquiry Intent = "price_inquiry"

	// IntentAvailabilityCheck asks whether an offering is in stock.
	IntentAvailabilityCheck Intent = "availability_check"

	// IntentProvideInfo supplies a fact the flow asked for (address, size).
	IntentProvideInfo Intent = "provide_info"

	// IntentConfirm agrees to proceed (typically toward purchasing).
	IntentConfirm Intent = "confirm"

	// IntentCancel abandons the current flow.
	IntentCancel Intent = "cancel"

	// IntentUnknown is the fail-open classification: gating tables treat it
	// permissively for read-only actions and restrictively for mutations.
	IntentUnknown Intent = "unknown"
)

// AllIntents lists the closed intent vocabulary, IntentUnknown last.
var AllIntents = []Intent{
	IntentGreeting, IntentSearch, IntentPriceInquiry, IntentAvailabilityCheck,
	IntentProvideInfo, IntentConfirm, IntentCancel, IntentUnknown,
}

// ParseIntent is the canonical boundary parser for intent strings.
//
// Unknown or empty strings map to IntentUnknown with ok=false. Tolerates the
// hyphenated spelling some models emit ("price-inquiry").
func ParseIntent(raw string) (Intent, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	for _, known := range AllIntents {
		if Intent(s) == known {
			return known, true
		}
	}
	return IntentUnknown, false
}

// String returns the wire representation of the intent.
func (i Intent) String() string { return string(i) }
