// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// L1Cache is the exact-match front of the semantic cache. Keys are
// ExactKey digests already scoped to bot version; tenancy is added by the
// driver.
type L1Cache interface {
	// Get returns the cached answer and whether the key was present.
	Get(ctx context.Context, tenantID, key string) (string, bool, error)

	// Set stores an answer under key with the given TTL.
	Set(ctx context.Context, tenantID, key, answer string, ttl time.Duration) error

	// Touch records a serve of key: hit count and last-hit timestamp.
	// Unknown keys are a no-op.
	Touch(ctx context.Context, tenantID, key string) error
}

// ===== In-memory driver =====

type memoryEntry struct {
	entry     datatypes.CacheEntry
	expiresAt time.Time
}

// MemoryL1 is a process-local L1 driver for tests and single-node runs.
//
// Thread Safety: MemoryL1 is safe for concurrent use.
type MemoryL1 struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryL1 creates an empty in-memory L1 cache.
func NewMemoryL1() *MemoryL1 {
	return &MemoryL1{entries: make(map[string]memoryEntry)}
}

func memoryKey(tenantID, key string) string { return tenantID + ":" + key }

// Get implements L1Cache.
func (c *MemoryL1) Get(_ context.Context, tenantID, key string) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[memoryKey(tenantID, key)]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.entry.Response, true, nil
}

// Set implements L1Cache.
func (c *MemoryL1) Set(_ context.Context, tenantID, key, answer string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[memoryKey(tenantID, key)] = memoryEntry{
		entry: datatypes.CacheEntry{
			TenantID:  tenantID,
			Response:  answer,
			CreatedAt: time.Now().UTC(),
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Touch implements L1Cache.
func (c *MemoryL1) Touch(_ context.Context, tenantID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := memoryKey(tenantID, key)
	entry, ok := c.entries[k]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	entry.entry.HitCount++
	entry.entry.LastHitAt = time.Now().UTC()
	c.entries[k] = entry
	return nil
}

// Entry exposes the stored metadata for a key, for tests and inspection.
func (c *MemoryL1) Entry(tenantID, key string) (datatypes.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[memoryKey(tenantID, key)]
	if !ok || time.Now().After(entry.expiresAt) {
		return datatypes.CacheEntry{}, false
	}
	return entry.entry, true
}

// ===== Redis driver =====

// RedisL1 stores L1 entries in Redis so every router replica shares the
// same exact-match cache.
//
// Thread Safety: RedisL1 is safe for concurrent use.
type RedisL1 struct {
	client *redis.Client
}

// NewRedisL1 wraps an existing Redis client.
func NewRedisL1(client *redis.Client) *RedisL1 {
	return &RedisL1{client: client}
}

func redisKey(tenantID, key string) string {
	return fmt.Sprintf("faq:l1:%s:%s", tenantID, key)
}

// Get implements L1Cache. Redis errors are returned so the caller can
// treat the L1 as missed rather than failing the request.
func (c *RedisL1) Get(ctx context.Context, tenantID, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, redisKey(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis l1 get: %w", err)
	}
	return val, true, nil
}

// Set implements L1Cache.
func (c *RedisL1) Set(ctx context.Context, tenantID, key, answer string, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKey(tenantID, key), answer, ttl).Err(); err != nil {
		return fmt.Errorf("redis l1 set: %w", err)
	}
	return nil
}

// Touch implements L1Cache with an INCR on a sibling hits key. The hits
// and last-hit keys inherit the remaining TTL of the entry so they expire
// together.
func (c *RedisL1) Touch(ctx context.Context, tenantID, key string) error {
	base := redisKey(tenantID, key)
	ttl, err := c.client.TTL(ctx, base).Result()
	if err != nil {
		return fmt.Errorf("redis l1 touch: %w", err)
	}
	if ttl < 0 {
		// Entry is gone or unbounded; nothing to count.
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, base+":hits")
	pipe.Expire(ctx, base+":hits", ttl)
	pipe.Set(ctx, base+":last_hit", time.Now().UTC().Format(time.RFC3339), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis l1 touch: %w", err)
	}
	return nil
}
