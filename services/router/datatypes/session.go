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
// Session
// =============================================================================

// Session identifies one ongoing conversation owned by a tenant.
//
// Sessions are mutated only through the repository's compare-and-swap update
// path: every write carries the Version the session was read at, and a stale
// Version fails with storage.ErrVersionConflict. Callers must treat that as
// a retryable condition, never overwrite silently.
type Session struct {
	// ID is the session identifier (UUID).
	ID string `json:"id"`

	// TenantID scopes the session to a paying tenant. Every repository
	// read and write includes it; the core never crosses tenants.
	TenantID string `json:"tenant_id"`

	// BotID names the bot identity answering this conversation.
	BotID string `json:"bot_id"`

	// BotVersionID pins the bot configuration version in use.
	BotVersionID string `json:"bot_version_id,omitempty"`

	// Channel is the messaging channel code ("web", "line", "messenger").
	Channel string `json:"channel"`

	// State is the current lifecycle state.
	State LifecycleState `json:"state"`

	// Version is the optimistic concurrency counter. Incremented by the
	// store on every successful update.
	Version int64 `json:"version"`

	// Metadata carries free-form extension data supplied by the channel
	// adapter. The core round-trips it without interpretation.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a session in the initial idle state with Version 0.
// The store assigns Version 1 on first persist.
func NewSession(tenantID, botID, channel string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		BotID:     botID,
		Channel:   channel,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so concurrent readers never share the metadata map.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// =============================================================================
// Turn
// =============================================================================

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerBot    Speaker = "bot"
	SpeakerSystem Speaker = "system"
)

// Turn is one message in the transcript. Turns are append-only: they are
// never mutated or deleted once written.
type Turn struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	TenantID  string  `json:"tenant_id"`
	Speaker   Speaker `json:"speaker"`
	Text      string  `json:"text"`

	// UIPayload carries optional channel rendering metadata (carousels,
	// quick replies) produced by a tool handler.
	UIPayload map[string]any `json:"ui_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTurn builds a turn with a fresh ID and the current timestamp.
func NewTurn(sessionID, tenantID string, speaker Speaker, text string) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TenantID:  tenantID,
		Speaker:   speaker,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Context Slots
// =============================================================================

// SlotStatus is the lifecycle of a single extracted fact.
type SlotStatus string

const (
	// SlotActive is the one current value for a key.
	SlotActive SlotStatus = "active"

	// SlotOverridden marks a value superseded by a newer active write.
	// Overridden slots are kept for audit, never deleted.
	SlotOverridden SlotStatus = "overridden"

	// SlotConflict marks a value contradicted by another source and
	// awaiting resolution.
	SlotConflict SlotStatus = "conflict"

	// SlotInferred marks a value the system derived rather than observed.
	SlotInferred SlotStatus = "inferred"
)

// SlotSource records where a slot value came from.
type SlotSource string

const (
	SlotFromUser     SlotSource = "user"
	SlotFromSystem   SlotSource = "system"
	SlotFromInferred SlotSource = "inferred"
)

// ContextSlot is a typed fact extracted from the conversation, used to fill
// missing action arguments. Multiple slots may share a key; at most one is
// active at any instant. Writing a new active value flips prior active slots
// for that key to overridden (a superseding write, never destructive).
type ContextSlot struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	TenantID  string     `json:"tenant_id"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	Status    SlotStatus `json:"status"`
	Source    SlotSource `json:"source"`

	// TurnID optionally points at the turn the value was extracted from.
	TurnID string `json:"turn_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewContextSlot builds an active slot with a fresh ID.
func NewContextSlot(sessionID, tenantID, key, value string, source SlotSource) *ContextSlot {
	return &ContextSlot{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TenantID:  tenantID,
		Key:       key,
		Value:     value,
		Status:    SlotActive,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}
