// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the two-level semantic answer cache: an exact
// match L1 keyed by normalized question, and a vector-similarity L2 backed
// by Weaviate. Entries are scoped to tenant and bot version so answers
// never cross tenants or survive a bot redeploy.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// minCacheableLength rejects stub answers like "Sure!" that carry no
// reusable information.
const minCacheableLength = 12

// refusalMarkers identify answers that must never be cached. Caching an
// apology would replay the failure to every user who asks the same thing.
var refusalMarkers = []string{
	"i'm sorry, i'm having trouble",
	"i am sorry, i am having trouble",
	"i can't help with that",
	"i cannot help with that",
	"please try again in a moment",
}

// Normalize canonicalizes a question for exact-match lookup: lowercase,
// trimmed, inner whitespace collapsed, trailing sentence punctuation
// removed. "What's the price?" and "what's the price" hit the same entry.
func Normalize(question string) string {
	s := strings.ToLower(strings.TrimSpace(question))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, "?!. ")
	return s
}

// ExactKey derives the L1 cache key from a normalized question and the
// bot version it was answered under.
func ExactKey(normalized, botVersionID string) string {
	sum := sha256.Sum256([]byte(botVersionID + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// IsCacheable reports whether an answer is worth storing. Answers below
// the minimum length and refusal/apology phrasing are rejected.
func IsCacheable(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if utf8.RuneCountInString(trimmed) < minCacheableLength {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
