// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeL2 serves a fixed match and records stores.
type fakeL2 struct {
	match   *L2Match
	lookups int
	stored  []string
}

func (f *fakeL2) Nearest(_ context.Context, _, _ string, _ []float32) (*L2Match, error) {
	f.lookups++
	return f.match, nil
}

func (f *fakeL2) Store(_ context.Context, _, _, question, _ string, _ []float32) error {
	f.stored = append(f.stored, question)
	return nil
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func newTestCache(t *testing.T, l2 L2Cache) (*SemanticCache, *fakeEmbedder) {
	t.Helper()
	emb := &fakeEmbedder{}
	c, err := NewSemanticCache(NewMemoryL1(), l2, emb, DefaultConfig())
	require.NoError(t, err)
	return c, emb
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"What's the price?", "what's the price"},
		{"  WHAT'S   the PRICE ", "what's the price"},
		{"hello!!", "hello"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestLookupL1BeforeL2(t *testing.T) {
	l2 := &fakeL2{}
	c, emb := newTestCache(t, l2)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "acme", "v1", "What's the price?", "It costs $10."))

	// A differently punctuated variant of the same question hits L1 and
	// never reaches the embedder or L2.
	embCallsAfterRecord := emb.calls
	res, err := c.Lookup(ctx, "acme", "v1", "what's the PRICE")
	require.NoError(t, err)
	require.NotNil(t, res.Hit)
	assert.Equal(t, "It costs $10.", res.Hit.Answer)
	assert.Equal(t, SourceL1, res.Hit.Source)
	assert.Equal(t, embCallsAfterRecord, emb.calls)
	assert.Equal(t, 0, l2.lookups)
}

func TestLookupL2HitPromotesToL1(t *testing.T) {
	l2 := &fakeL2{match: &L2Match{Question: "store hours", Answer: "9 to 5", Certainty: 0.97}}
	c, _ := newTestCache(t, l2)
	ctx := context.Background()

	res, err := c.Lookup(ctx, "acme", "v1", "when are you open")
	require.NoError(t, err)
	require.NotNil(t, res.Hit)
	assert.Equal(t, SourceL2, res.Hit.Source)
	assert.InDelta(t, 0.97, res.Hit.Score, 1e-9)

	// Second identical lookup is served by L1 without touching L2 again.
	res, err = c.Lookup(ctx, "acme", "v1", "when are you open")
	require.NoError(t, err)
	require.NotNil(t, res.Hit)
	assert.Equal(t, SourceL1, res.Hit.Source)
	assert.Equal(t, 1, l2.lookups)
}

func TestLookupNearMissBecomesSuggestion(t *testing.T) {
	l2 := &fakeL2{match: &L2Match{Question: "return policy", Answer: "30 days", Certainty: 0.90}}
	c, _ := newTestCache(t, l2)

	res, err := c.Lookup(context.Background(), "acme", "v1", "can i return this")
	require.NoError(t, err)
	assert.Nil(t, res.Hit)
	require.NotNil(t, res.Suggestion)
	assert.Equal(t, "30 days", res.Suggestion.Answer)
}

func TestLookupBelowSuggestThresholdMisses(t *testing.T) {
	l2 := &fakeL2{match: &L2Match{Answer: "unrelated", Certainty: 0.4}}
	c, _ := newTestCache(t, l2)

	res, err := c.Lookup(context.Background(), "acme", "v1", "something else")
	require.NoError(t, err)
	assert.Nil(t, res.Hit)
	assert.Nil(t, res.Suggestion)
}

func TestRecordSkipsRefusals(t *testing.T) {
	l2 := &fakeL2{}
	c, _ := newTestCache(t, l2)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "acme", "v1", "help me", "I'm sorry, I'm having trouble responding right now. Please try again in a moment."))
	assert.Empty(t, l2.stored)

	res, err := c.Lookup(ctx, "acme", "v1", "help me")
	require.NoError(t, err)
	assert.Nil(t, res.Hit)
}

func TestIsCacheableRejectsShortAnswers(t *testing.T) {
	assert.False(t, IsCacheable(""))
	assert.False(t, IsCacheable("Sure!"))
	assert.False(t, IsCacheable("   ok.   "))
	assert.True(t, IsCacheable("We ship within two business days."))
}

func TestRecordHitIncrementsCounter(t *testing.T) {
	l1 := NewMemoryL1()
	c, err := NewSemanticCache(l1, nil, nil, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "acme", "v1", "What's the price?", "It costs $10."))
	require.NoError(t, c.RecordHit(ctx, "acme", "v1", "what's the PRICE"))
	require.NoError(t, c.RecordHit(ctx, "acme", "v1", "what's the price?"))

	entry, ok := l1.Entry("acme", ExactKey("what's the price", "v1"))
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.HitCount)
	assert.False(t, entry.LastHitAt.IsZero())

	// Unknown questions are a quiet no-op.
	require.NoError(t, c.RecordHit(ctx, "acme", "v1", "never asked"))
}

func TestLookupIsTenantScoped(t *testing.T) {
	c, _ := newTestCache(t, &fakeL2{})
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "acme", "v1", "secret question", "the acme-only answer is 42."))

	res, err := c.Lookup(ctx, "globex", "v1", "secret question")
	require.NoError(t, err)
	assert.Nil(t, res.Hit)
}

func TestLookupIsVersionScoped(t *testing.T) {
	c, _ := newTestCache(t, &fakeL2{})
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "acme", "v1", "what changed", "the catalog answer from v1."))

	res, err := c.Lookup(ctx, "acme", "v2", "what changed")
	require.NoError(t, err)
	assert.Nil(t, res.Hit)
}
