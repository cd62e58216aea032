// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent runs the bounded tool-calling reasoning loop for the
// agentic tier.
package agent

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianConverse/services/router/cache"
	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

const basePersona = `You are a helpful, concise commerce assistant. You help customers find, evaluate, and order offerings.

Rules:
- Use the provided tools to look up real data. Never invent prices, availability, or identifiers.
- Call at most one tool at a time and wait for its result.
- If a tool is rejected, explain the limitation to the customer instead of retrying.
- When you have enough information, answer the customer directly in plain language.`

// BuildSystemPrompt assembles the agentic-tier system prompt from the
// session's current position in the flow.
func BuildSystemPrompt(session *datatypes.Session, slots []datatypes.ContextSlot, allowedActions []string, suggestion *cache.Suggestion) string {
	var b strings.Builder
	b.WriteString(basePersona)

	fmt.Fprintf(&b, "\n\nConversation state: %s.", session.State)
	if len(allowedActions) > 0 {
		fmt.Fprintf(&b, "\nActions currently available: %s.", strings.Join(allowedActions, ", "))
	} else {
		b.WriteString("\nNo actions are currently available; respond with text only.")
	}

	active := activeSlots(slots)
	if len(active) > 0 {
		b.WriteString("\n\nKnown facts from this conversation:")
		for _, slot := range active {
			fmt.Fprintf(&b, "\n- %s: %s", slot.Key, slot.Value)
		}
	}

	if suggestion != nil {
		b.WriteString("\n\nA previous customer asked a similar question:")
		fmt.Fprintf(&b, "\nQ: %s\nA: %s", suggestion.Question, suggestion.Answer)
		b.WriteString("\nUse this only if it actually answers the current question.")
	}
	return b.String()
}

func activeSlots(slots []datatypes.ContextSlot) []datatypes.ContextSlot {
	out := make([]datatypes.ContextSlot, 0, len(slots))
	for _, slot := range slots {
		if slot.Status == datatypes.SlotActive {
			out = append(out, slot)
		}
	}
	return out
}
