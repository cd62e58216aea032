// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Embedder computes vectors for L2 lookups. Satisfied by llm.Client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Source identifies which cache level produced a hit.
type Source string

const (
	SourceL1 Source = "l1_exact"
	SourceL2 Source = "l2_semantic"
)

// Hit is a servable cached answer.
type Hit struct {
	Answer string
	Source Source
	// Score is the L2 certainty, or 1.0 for an exact L1 hit.
	Score float64
}

// Suggestion is an L2 neighbor that was close but below the serve
// threshold. The knowledge tier may fold it into the prompt as context.
type Suggestion struct {
	Question string
	Answer   string
	Score    float64
}

// LookupResult carries either a servable hit, a near-miss suggestion, or
// neither.
type LookupResult struct {
	Hit        *Hit
	Suggestion *Suggestion
}

// Config holds cache thresholds and TTLs.
type Config struct {
	// ServeThreshold is the minimum L2 certainty to serve a cached answer
	// verbatim.
	ServeThreshold float64 `yaml:"serve_threshold" validate:"gt=0,lte=1"`

	// SuggestThreshold is the minimum certainty to surface a near miss as
	// prompt context. Must not exceed ServeThreshold.
	SuggestThreshold float64 `yaml:"suggest_threshold" validate:"gte=0,lte=1"`

	// L1TTL bounds how long exact-match entries live.
	L1TTL time.Duration `yaml:"l1_ttl" validate:"gt=0"`
}

// DefaultConfig returns production cache thresholds.
func DefaultConfig() Config {
	return Config{
		ServeThreshold:   0.95,
		SuggestThreshold: 0.85,
		L1TTL:            6 * time.Hour,
	}
}

// SemanticCache layers the exact-match L1 in front of the vector L2.
//
// # Description
//
// Lookup consults L1 first; only on an L1 miss is the question embedded
// and searched in L2. An L2 hit above the serve threshold is promoted
// into L1 so the next identical question skips the embedding call. Both
// levels degrade to a miss on infrastructure failure so the cache can
// never take the router down.
//
// # Thread Safety
//
// SemanticCache is safe for concurrent use.
type SemanticCache struct {
	l1       L1Cache
	l2       L2Cache
	embedder Embedder
	config   Config
}

// NewSemanticCache builds the two-level cache. l2 may be nil, which
// degrades the cache to exact matching only.
func NewSemanticCache(l1 L1Cache, l2 L2Cache, embedder Embedder, config Config) (*SemanticCache, error) {
	if l1 == nil {
		return nil, fmt.Errorf("l1 cache is required")
	}
	if config.ServeThreshold <= 0 || config.ServeThreshold > 1 {
		return nil, fmt.Errorf("serve_threshold must be in (0, 1], got %v", config.ServeThreshold)
	}
	if config.SuggestThreshold > config.ServeThreshold {
		return nil, fmt.Errorf("suggest_threshold %v exceeds serve_threshold %v",
			config.SuggestThreshold, config.ServeThreshold)
	}
	return &SemanticCache{l1: l1, l2: l2, embedder: embedder, config: config}, nil
}

// Lookup checks both cache levels for question.
func (c *SemanticCache) Lookup(ctx context.Context, tenantID, botVersionID, question string) (LookupResult, error) {
	normalized := Normalize(question)
	if normalized == "" {
		return LookupResult{}, nil
	}
	key := ExactKey(normalized, botVersionID)

	answer, ok, err := c.l1.Get(ctx, tenantID, key)
	if err != nil {
		slog.Warn("L1 cache lookup failed, treating as miss", slog.Any("error", err))
	} else if ok {
		return LookupResult{Hit: &Hit{Answer: answer, Source: SourceL1, Score: 1.0}}, nil
	}

	if c.l2 == nil || c.embedder == nil {
		return LookupResult{}, nil
	}

	vector, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		slog.Warn("Embedding failed, skipping L2 lookup", slog.Any("error", err))
		return LookupResult{}, nil
	}

	match, err := c.l2.Nearest(ctx, tenantID, botVersionID, vector)
	if err != nil {
		slog.Warn("L2 cache lookup failed, treating as miss", slog.Any("error", err))
		return LookupResult{}, nil
	}
	if match == nil || match.Certainty < c.config.SuggestThreshold {
		return LookupResult{}, nil
	}

	if match.Certainty >= c.config.ServeThreshold {
		// Promote so the next identical question is an L1 hit.
		if err := c.l1.Set(ctx, tenantID, key, match.Answer, c.config.L1TTL); err != nil {
			slog.Warn("Failed to promote L2 hit into L1", slog.Any("error", err))
		}
		return LookupResult{Hit: &Hit{Answer: match.Answer, Source: SourceL2, Score: match.Certainty}}, nil
	}

	return LookupResult{Suggestion: &Suggestion{
		Question: match.Question,
		Answer:   match.Answer,
		Score:    match.Certainty,
	}}, nil
}

// Record stores a fresh question/answer pair in both levels. Refusals and
// empty answers are silently dropped.
func (c *SemanticCache) Record(ctx context.Context, tenantID, botVersionID, question, answer string) error {
	if !IsCacheable(answer) {
		slog.Debug("Skipping cache write for non-cacheable answer")
		return nil
	}
	normalized := Normalize(question)
	if normalized == "" {
		return nil
	}

	key := ExactKey(normalized, botVersionID)
	if err := c.l1.Set(ctx, tenantID, key, answer, c.config.L1TTL); err != nil {
		return fmt.Errorf("l1 record: %w", err)
	}

	if c.l2 == nil || c.embedder == nil {
		return nil
	}
	vector, err := c.embedder.Embed(ctx, normalized)
	if err != nil {
		return fmt.Errorf("embed for l2 record: %w", err)
	}
	if err := c.l2.Store(ctx, tenantID, botVersionID, normalized, answer, vector); err != nil {
		return fmt.Errorf("l2 record: %w", err)
	}
	return nil
}

// RecordHit bumps the hit counter behind a served answer. Called off the
// request path after a cache serve.
func (c *SemanticCache) RecordHit(ctx context.Context, tenantID, botVersionID, question string) error {
	normalized := Normalize(question)
	if normalized == "" {
		return nil
	}
	return c.l1.Touch(ctx, tenantID, ExactKey(normalized, botVersionID))
}
