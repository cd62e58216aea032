// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Routing Tiers
// =============================================================================

// Tier is the cost/latency class of strategy used to answer a message.
type Tier string

const (
	// TierFast is a pattern-matched reply (near-zero cost).
	TierFast Tier = "fast"

	// TierKnowledge is a semantic cache or FAQ hit (embedding cost only).
	TierKnowledge Tier = "knowledge"

	// TierAgentic is a full reasoning-and-tool-calling pass.
	TierAgentic Tier = "agentic"

	// TierHandover is an operator-authored reply routed straight through.
	TierHandover Tier = "handover"
)

// =============================================================================
// Token Usage and Cost
// =============================================================================

// TokenUsage aggregates LLM token counts across however many calls one
// request issued.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another call's usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// IsZero reports whether no tokens were consumed.
func (u TokenUsage) IsZero() bool { return u.TotalTokens == 0 }

// =============================================================================
// Decision Events
// =============================================================================

// DecisionEvent is the append-only audit record of one routing decision.
// Write-once: used for cost accounting and observability, never read back
// by the routing logic itself.
type DecisionEvent struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id"`

	// Tier is the strategy that produced the reply.
	Tier Tier `json:"tier"`

	// Outcome is a short machine-readable result ("answered", "denied",
	// "exhausted", "cache_hit", "faq_hit", "error").
	Outcome string `json:"outcome"`

	// Reason is the human-readable explanation for the decision.
	Reason string `json:"reason,omitempty"`

	// EstimatedCostUSD is the approximate spend for this request.
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	Usage     TokenUsage    `json:"usage"`
	Latency   time.Duration `json:"latency"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewDecisionEvent builds an event with a fresh ID and timestamp.
func NewDecisionEvent(sessionID, tenantID string, tier Tier, outcome string) *DecisionEvent {
	return &DecisionEvent{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TenantID:  tenantID,
		Tier:      tier,
		Outcome:   outcome,
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Cache Entries
// =============================================================================

// CacheEntry is one reusable (question, answer) pair in the semantic cache.
// L1 entries expire by TTL; L2 entries are durable and participate in
// nearest-neighbor search.
type CacheEntry struct {
	TenantID string `json:"tenant_id"`

	// NormalizedQuery is the canonical form used as the exact-match key.
	NormalizedQuery string `json:"normalized_query"`

	// Query is the original question text.
	Query string `json:"query"`

	// Response is the stored answer text.
	Response string `json:"response"`

	// Vector is the query embedding; empty for L1-only entries.
	Vector []float32 `json:"vector,omitempty"`

	HitCount  int64     `json:"hit_count"`
	LastHitAt time.Time `json:"last_hit_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IdempotencyRecord maps a deterministic hash of (session, action, resolved
// arguments) to a previously produced tool result. Purely advisory: absence
// is always safe and forces re-execution; presence must reproduce the prior
// call's observable result exactly.
type IdempotencyRecord struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
