// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage provides the tenant-scoped durable repositories for
// sessions, turns, context slots, and decision events, backed by BadgerDB.
//
// Sessions are mutated only through a compare-and-swap update keyed on the
// optimistic version counter. Turns and decision events are append-only.
// Context slot writes supersede (never delete) earlier active values for
// the same key. A single Badger transaction forms the per-request atomic
// unit of work; see Store.WithUnit.
package storage

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// Sentinel errors for the storage layer.
var (
	// ErrNotFound indicates the requested entity does not exist for the
	// given tenant.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict indicates an optimistic-concurrency failure: the
	// session changed since it was read. Retryable; never overwrite.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrTenantMismatch indicates an entity's tenant does not match the
	// tenant the call was scoped to.
	ErrTenantMismatch = errors.New("tenant mismatch")
)

// SessionRepository persists sessions with optimistic concurrency.
type SessionRepository interface {
	// CreateSession persists a new session, assigning Version 1.
	CreateSession(ctx context.Context, s *datatypes.Session) error

	// GetSession loads a session scoped to tenantID. ErrNotFound if absent.
	GetSession(ctx context.Context, tenantID, sessionID string) (*datatypes.Session, error)

	// UpdateSession performs a compare-and-swap keyed on s.Version. On
	// success the stored version and s.Version are incremented. A stale
	// version fails with ErrVersionConflict and writes nothing.
	UpdateSession(ctx context.Context, s *datatypes.Session) error
}

// TurnRepository appends transcript turns. Turns are immutable once written.
type TurnRepository interface {
	AppendTurn(ctx context.Context, t *datatypes.Turn) error

	// RecentTurns returns up to limit turns for the session, oldest first.
	RecentTurns(ctx context.Context, tenantID, sessionID string, limit int) ([]*datatypes.Turn, error)
}

// SlotRepository persists context slots with supersession semantics.
type SlotRepository interface {
	// PutSlot writes a new active slot, flipping any prior active slots
	// for the same key to overridden in the same transaction.
	PutSlot(ctx context.Context, slot *datatypes.ContextSlot) error

	// ActiveSlots returns the active slot per key for the session.
	ActiveSlots(ctx context.Context, tenantID, sessionID string) (map[string]string, error)

	// SlotHistory returns every slot ever written for a key, oldest first.
	SlotHistory(ctx context.Context, tenantID, sessionID, key string) ([]*datatypes.ContextSlot, error)
}

// DecisionRepository appends routing audit events. Write-once.
type DecisionRepository interface {
	AppendDecision(ctx context.Context, e *datatypes.DecisionEvent) error
}

// Repository is the full persistence surface the router consumes.
type Repository interface {
	SessionRepository
	TurnRepository
	SlotRepository
	DecisionRepository

	// WithUnit runs fn inside one atomic unit of work. Every write issued
	// through the Unit commits together or not at all, so "user turn saved
	// but bot turn missing" and "state changed but turn not logged" cannot
	// occur.
	WithUnit(ctx context.Context, fn func(u Unit) error) error
}

// Unit is the write surface available inside an atomic unit of work.
type Unit interface {
	AppendTurn(t *datatypes.Turn) error
	AppendDecision(e *datatypes.DecisionEvent) error
	PutSlot(slot *datatypes.ContextSlot) error

	// UpdateSession performs the same CAS as Repository.UpdateSession but
	// inside the unit's transaction.
	UpdateSession(s *datatypes.Session) error
}
