// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package router

import (
	"regexp"
	"strings"
)

// fastRule pairs a compiled pattern with its canned reply. Rules are
// evaluated in order; the first match wins.
type fastRule struct {
	name    string
	pattern *regexp.Regexp
	reply   string
}

// fastRules answer trivial messages without touching the LLM. Patterns
// anchor on the whole message so "hi" matches but "hidden fees?" does not.
var fastRules = []fastRule{
	{
		name:    "greeting",
		pattern: regexp.MustCompile(`^(hi|hello|hey|good (morning|afternoon|evening)|howdy)[\s!.,]*$`),
		reply:   "Hi there! I can help you find offerings, check prices and availability, or place an order. What are you looking for?",
	},
	{
		name:    "thanks",
		pattern: regexp.MustCompile(`^(thanks|thank you|thx|ty|cheers)[\s!.,]*$`),
		reply:   "You're welcome! Anything else I can help with?",
	},
	{
		name:    "farewell",
		pattern: regexp.MustCompile(`^(bye|goodbye|see you|later|good night)[\s!.,]*$`),
		reply:   "Goodbye! Come back any time.",
	},
	{
		name:    "help",
		pattern: regexp.MustCompile(`^(help|what can you do)[\s?!.,]*$`),
		reply:   "I can search our catalog, compare offerings, check prices and availability, and place orders for you. Just describe what you need.",
	},
}

// matchFast returns the canned reply for a trivial message, with the rule
// name for the decision record, or ok=false.
func matchFast(message string) (reply, rule string, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(message))
	for _, r := range fastRules {
		if r.pattern.MatchString(normalized) {
			return r.reply, r.name, true
		}
	}
	return "", "", false
}
