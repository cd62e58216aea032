// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package idempotency deduplicates tool executions so a retried message
// replays the prior result instead of running the action again.
//
// The store maps a deterministic hash of (session, action, resolved
// arguments) to the serialized result of a prior execution, with a TTL.
// It is purely advisory: absence is always safe (the action re-executes),
// presence must reproduce the prior observable result exactly.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianConverse/services/router/storage/badgerdb"
)

// Store is the advisory result cache for executed actions.
//
// Thread Safety: implementations must support concurrent Get/Set without
// blocking callers against each other.
type Store interface {
	// Get returns the stored payload for key, or ok=false when absent or
	// expired. A storage error also reports ok=false; callers treat every
	// miss identically and re-execute.
	Get(ctx context.Context, key string) (payload []byte, ok bool, err error)

	// Set stores payload under key for ttl.
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Key computes the deterministic idempotency hash for one execution.
//
// Description:
//
//	Encodes (sessionID, action, args) with the argument keys sorted
//	alphabetically so the same resolved arguments always produce the same
//	key regardless of map iteration order, then hashes with SHA-256.
func Key(sessionID, action string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(sessionID)
	b.WriteByte('|')
	b.WriteString(action)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, args[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Badger-backed Store
// =============================================================================

const keyPrefix = "idem/"

// BadgerStore persists idempotency records in the shared BadgerDB with
// native TTL expiry.
type BadgerStore struct {
	db *badgerdb.DB
}

// NewBadgerStore wraps an opened database.
func NewBadgerStore(db *badgerdb.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+key), payload)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// =============================================================================
// In-memory Store
// =============================================================================

// MemoryStore is a map-backed Store for tests and single-process setups.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.payload, true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{payload: payload}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}
