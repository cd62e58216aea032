// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// FAQClassName is the Weaviate class holding cached question/answer pairs.
const FAQClassName = "FAQCacheEntry"

// L2Match is one semantic neighbor returned by the L2 cache.
type L2Match struct {
	Question  string
	Answer    string
	Certainty float64
}

// L2Cache is the vector-similarity back of the semantic cache.
type L2Cache interface {
	// Nearest returns the single closest cached question for the vector,
	// or nil when the class holds nothing for this tenant and version.
	Nearest(ctx context.Context, tenantID, botVersionID string, vector []float32) (*L2Match, error)

	// Store inserts a question/answer pair with its vector.
	Store(ctx context.Context, tenantID, botVersionID, question, answer string, vector []float32) error
}

// WeaviateL2 implements L2Cache on the FAQCacheEntry class.
//
// # Thread Safety
//
// WeaviateL2 is safe for concurrent use. The underlying Weaviate client
// handles connection pooling.
type WeaviateL2 struct {
	client *weaviate.Client
}

// NewWeaviateL2 wraps an existing Weaviate client.
func NewWeaviateL2(client *weaviate.Client) *WeaviateL2 {
	return &WeaviateL2{client: client}
}

// faqQueryResponse is the typed shape of a FAQCacheEntry GraphQL result.
type faqQueryResponse struct {
	Get struct {
		FAQCacheEntry []struct {
			Question   string `json:"question"`
			Answer     string `json:"answer"`
			Additional struct {
				Certainty *float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"FAQCacheEntry"`
	} `json:"Get"`
}

// Nearest implements L2Cache.
//
// # Description
//
// Runs a NearVector search over FAQCacheEntry filtered to the tenant and
// bot version, and returns the top neighbor with its certainty. Certainty
// is always in [0, 1] regardless of the configured distance metric, which
// keeps threshold comparisons stable.
func (w *WeaviateL2) Nearest(ctx context.Context, tenantID, botVersionID string, vector []float32) (*L2Match, error) {
	tenantFilter := filters.Where().
		WithPath([]string{"tenant_id"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)

	versionFilter := filters.Where().
		WithPath([]string{"bot_version_id"}).
		WithOperator(filters.Equal).
		WithValueString(botVersionID)

	combinedFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{tenantFilter, versionFilter})

	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "question"},
		{Name: "answer"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(FAQClassName).
		WithFields(fields...).
		WithWhere(combinedFilter).
		WithNearVector(nearVector).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate faq search failed: %w", err)
	}

	parsed, err := parseGraphQLResponse[faqQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse faq results: %w", err)
	}
	if len(parsed.Get.FAQCacheEntry) == 0 {
		return nil, nil
	}

	entry := parsed.Get.FAQCacheEntry[0]
	match := &L2Match{Question: entry.Question, Answer: entry.Answer}
	if entry.Additional.Certainty != nil {
		match.Certainty = *entry.Additional.Certainty
	}
	return match, nil
}

// Store implements L2Cache.
func (w *WeaviateL2) Store(ctx context.Context, tenantID, botVersionID, question, answer string, vector []float32) error {
	properties := map[string]any{
		"question":       question,
		"answer":         answer,
		"tenant_id":      tenantID,
		"bot_version_id": botVersionID,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	_, err := w.client.Data().Creator().
		WithClassName(FAQClassName).
		WithProperties(properties).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to store faq entry: %w", err)
	}
	slog.Debug("Stored FAQ cache entry",
		slog.String("tenant_id", tenantID),
		slog.String("bot_version_id", botVersionID))
	return nil
}

// parseGraphQLResponse unmarshals a raw GraphQL payload into a typed
// response by round-tripping through JSON.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}
