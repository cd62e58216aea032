// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/storage/badgerdb"
)

// Key layout. Everything is tenant-prefixed so reads and writes can never
// cross tenants, and time-ordered entities sort by key.
//
//	ses/<tenant>/<session>                     -> Session JSON
//	trn/<tenant>/<session>/<nano>/<turn-id>    -> Turn JSON
//	slt/<tenant>/<session>/<key>/<nano>/<id>   -> ContextSlot JSON
//	dec/<tenant>/<session>/<nano>/<event-id>   -> DecisionEvent JSON
const (
	prefixSession  = "ses"
	prefixTurn     = "trn"
	prefixSlot     = "slt"
	prefixDecision = "dec"
)

// BadgerStore implements Repository over an embedded BadgerDB.
//
// Thread Safety: BadgerStore is safe for concurrent use; Badger's SSI
// transactions detect write conflicts at commit, which the store surfaces
// as ErrVersionConflict.
type BadgerStore struct {
	db *badgerdb.DB

	// turnTTL, when nonzero, expires transcript turns (mirrors the
	// original deployment's per-conversation history TTL). Sessions,
	// slots, and decision events never expire.
	turnTTL time.Duration
}

// NewBadgerStore wraps an opened database. turnTTL of 0 keeps turns forever.
func NewBadgerStore(db *badgerdb.DB, turnTTL time.Duration) *BadgerStore {
	return &BadgerStore{db: db, turnTTL: turnTTL}
}

func sessionKey(tenantID, sessionID string) []byte {
	return fmt.Appendf(nil, "%s/%s/%s", prefixSession, tenantID, sessionID)
}

func turnKey(t *datatypes.Turn) []byte {
	return fmt.Appendf(nil, "%s/%s/%s/%020d/%s", prefixTurn, t.TenantID, t.SessionID, t.CreatedAt.UnixNano(), t.ID)
}

func slotKey(s *datatypes.ContextSlot) []byte {
	return fmt.Appendf(nil, "%s/%s/%s/%s/%020d/%s", prefixSlot, s.TenantID, s.SessionID, s.Key, s.CreatedAt.UnixNano(), s.ID)
}

func decisionKey(e *datatypes.DecisionEvent) []byte {
	return fmt.Appendf(nil, "%s/%s/%s/%020d/%s", prefixDecision, e.TenantID, e.SessionID, e.CreatedAt.UnixNano(), e.ID)
}

// mapTxnErr converts Badger's commit-time conflict into the storage
// taxonomy so callers see one retryable condition.
func mapTxnErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent update detected", ErrVersionConflict)
	}
	return err
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSession implements SessionRepository.
func (s *BadgerStore) CreateSession(ctx context.Context, sess *datatypes.Session) error {
	sess.Version = 1
	sess.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sess.TenantID, sess.ID), payload)
	})
	return mapTxnErr(err)
}

// GetSession implements SessionRepository.
func (s *BadgerStore) GetSession(ctx context.Context, tenantID, sessionID string) (*datatypes.Session, error) {
	var sess datatypes.Session
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(tenantID, sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return nil, err
	}
	if sess.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	return &sess, nil
}

// UpdateSession implements SessionRepository.
func (s *BadgerStore) UpdateSession(ctx context.Context, sess *datatypes.Session) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return casSession(txn, sess)
	})
	return mapTxnErr(err)
}

// casSession performs the version check and increment inside txn.
func casSession(txn *badger.Txn, sess *datatypes.Session) error {
	key := sessionKey(sess.TenantID, sess.ID)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: session %s", ErrNotFound, sess.ID)
	}
	if err != nil {
		return err
	}

	var stored datatypes.Session
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &stored) }); err != nil {
		return fmt.Errorf("unmarshal stored session: %w", err)
	}
	if stored.Version != sess.Version {
		return fmt.Errorf("%w: have %d, stored %d", ErrVersionConflict, sess.Version, stored.Version)
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return txn.Set(key, payload)
}

// =============================================================================
// Turns
// =============================================================================

// AppendTurn implements TurnRepository.
func (s *BadgerStore) AppendTurn(ctx context.Context, t *datatypes.Turn) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return s.setTurn(txn, t)
	})
	return mapTxnErr(err)
}

func (s *BadgerStore) setTurn(txn *badger.Txn, t *datatypes.Turn) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	entry := badger.NewEntry(turnKey(t), payload)
	if s.turnTTL > 0 {
		entry = entry.WithTTL(s.turnTTL)
	}
	return txn.SetEntry(entry)
}

// RecentTurns implements TurnRepository. Returns up to limit turns, oldest
// first, by iterating the time-ordered key range in reverse.
func (s *BadgerStore) RecentTurns(ctx context.Context, tenantID, sessionID string, limit int) ([]*datatypes.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	prefix := fmt.Appendf(nil, "%s/%s/%s/", prefixTurn, tenantID, sessionID)

	var turns []*datatypes.Turn
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key in the prefix.
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(turns) < limit; it.Next() {
			var t datatypes.Turn
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &t) }); err != nil {
				return fmt.Errorf("unmarshal turn: %w", err)
			}
			turns = append(turns, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest-first from the reverse scan; flip to oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// =============================================================================
// Context Slots
// =============================================================================

// PutSlot implements SlotRepository.
func (s *BadgerStore) PutSlot(ctx context.Context, slot *datatypes.ContextSlot) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putSlotTxn(txn, slot)
	})
	return mapTxnErr(err)
}

// putSlotTxn flips prior active slots for the key to overridden, then writes
// the new slot. Supersession is an explicit write, never a delete.
func putSlotTxn(txn *badger.Txn, slot *datatypes.ContextSlot) error {
	prefix := fmt.Appendf(nil, "%s/%s/%s/%s/", prefixSlot, slot.TenantID, slot.SessionID, slot.Key)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)

	type override struct {
		key  []byte
		slot datatypes.ContextSlot
	}
	var overrides []override
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var prior datatypes.ContextSlot
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &prior) }); err != nil {
			it.Close()
			return fmt.Errorf("unmarshal slot: %w", err)
		}
		if prior.Status == datatypes.SlotActive {
			prior.Status = datatypes.SlotOverridden
			overrides = append(overrides, override{key: it.Item().KeyCopy(nil), slot: prior})
		}
	}
	it.Close()

	for _, o := range overrides {
		payload, err := json.Marshal(&o.slot)
		if err != nil {
			return fmt.Errorf("marshal overridden slot: %w", err)
		}
		if err := txn.Set(o.key, payload); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal slot: %w", err)
	}
	return txn.Set(slotKey(slot), payload)
}

// ActiveSlots implements SlotRepository.
func (s *BadgerStore) ActiveSlots(ctx context.Context, tenantID, sessionID string) (map[string]string, error) {
	prefix := fmt.Appendf(nil, "%s/%s/%s/", prefixSlot, tenantID, sessionID)

	active := make(map[string]string)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var slot datatypes.ContextSlot
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &slot) }); err != nil {
				return fmt.Errorf("unmarshal slot: %w", err)
			}
			if slot.Status == datatypes.SlotActive {
				active[slot.Key] = slot.Value
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// SlotHistory implements SlotRepository.
func (s *BadgerStore) SlotHistory(ctx context.Context, tenantID, sessionID, key string) ([]*datatypes.ContextSlot, error) {
	prefix := fmt.Appendf(nil, "%s/%s/%s/%s/", prefixSlot, tenantID, sessionID, key)

	var history []*datatypes.ContextSlot
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var slot datatypes.ContextSlot
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &slot) }); err != nil {
				return fmt.Errorf("unmarshal slot: %w", err)
			}
			history = append(history, &slot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// =============================================================================
// Decision Events
// =============================================================================

// AppendDecision implements DecisionRepository.
func (s *BadgerStore) AppendDecision(ctx context.Context, e *datatypes.DecisionEvent) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setDecision(txn, e)
	})
	return mapTxnErr(err)
}

func setDecision(txn *badger.Txn, e *datatypes.DecisionEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal decision event: %w", err)
	}
	return txn.Set(decisionKey(e), payload)
}

// =============================================================================
// Unit of Work
// =============================================================================

// badgerUnit implements Unit over one open transaction.
type badgerUnit struct {
	store *BadgerStore
	txn   *badger.Txn
}

func (u *badgerUnit) AppendTurn(t *datatypes.Turn) error {
	return u.store.setTurn(u.txn, t)
}

func (u *badgerUnit) AppendDecision(e *datatypes.DecisionEvent) error {
	return setDecision(u.txn, e)
}

func (u *badgerUnit) PutSlot(slot *datatypes.ContextSlot) error {
	return putSlotTxn(u.txn, slot)
}

func (u *badgerUnit) UpdateSession(s *datatypes.Session) error {
	return casSession(u.txn, s)
}

// WithUnit implements Repository.
//
// Description:
//
//	Runs fn inside one Badger read-write transaction. All writes issued
//	through the Unit commit atomically; an error from fn (including a CAS
//	conflict) discards the transaction, and a commit-time conflict from
//	Badger's SSI detection surfaces as ErrVersionConflict.
func (s *BadgerStore) WithUnit(ctx context.Context, fn func(u Unit) error) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return fn(&badgerUnit{store: s, txn: txn})
	})
	return mapTxnErr(err)
}
