// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier assigns one intent label from the closed vocabulary
// to each user message using a single bounded LLM call.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/llm"
)

const defaultClassifyTimeout = 5 * time.Second

const classifierSystemPrompt = `You are an intent classifier for a customer conversation system.
Classify the user's message into exactly one of these labels:

- greeting: salutations, small talk openers
- search: looking for products, offerings, or listings
- price_inquiry: asking what something costs
- availability_check: asking whether something is in stock or available
- provide_info: supplying requested details (names, quantities, identifiers)
- confirm: agreeing to proceed, accepting a proposal
- cancel: abandoning the current flow or declining
- unknown: anything that fits none of the above

Respond with the label only. No punctuation, no explanation.`

// Classification is the outcome of one classify call.
type Classification struct {
	Intent datatypes.Intent
	// Exact is true when the model returned a vocabulary label verbatim.
	// False means the output was coerced to unknown.
	Exact bool
	Usage datatypes.TokenUsage
}

// IntentClassifier labels messages via the LLM.
//
// Thread Safety: IntentClassifier is safe for concurrent use.
type IntentClassifier struct {
	client   llm.Client
	timeout  time.Duration
	inflight singleflight.Group
}

// ClassifierOption configures an IntentClassifier.
type ClassifierOption func(*IntentClassifier)

// WithClassifyTimeout bounds each classification call.
func WithClassifyTimeout(d time.Duration) ClassifierOption {
	return func(c *IntentClassifier) { c.timeout = d }
}

// NewIntentClassifier creates a classifier over the given LLM client.
func NewIntentClassifier(client llm.Client, opts ...ClassifierOption) (*IntentClassifier, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	c := &IntentClassifier{client: client, timeout: defaultClassifyTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify labels message with one intent from the closed vocabulary.
//
// # Description
//
// Makes a single completion call with the label vocabulary in the system
// prompt. Concurrent calls for the same message are coalesced into one
// provider request. Any output that does not parse as a known label, and
// any provider failure, degrades to IntentUnknown so the caller always
// gets a usable intent. The call is bounded by the configured timeout.
func (c *IntentClassifier) Classify(ctx context.Context, message string) (Classification, error) {
	if strings.TrimSpace(message) == "" {
		return Classification{Intent: datatypes.IntentUnknown, Exact: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := coalesceKey(message)
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		// The shared flight runs on its own deadline, detached from the
		// caller that happened to start it. One caller hanging up must
		// not fail everyone coalesced onto the same request.
		flightCtx, flightCancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer flightCancel()
		return c.client.Generate(flightCtx, &llm.Request{
			SystemPrompt: classifierSystemPrompt,
			Messages:     []llm.Message{{Role: "user", Content: message}},
			MaxTokens:    8,
			Temperature:  0,
		})
	})

	var result interface{}
	select {
	case <-ctx.Done():
		slog.Debug("Classification abandoned by caller, defaulting to unknown",
			slog.Any("error", ctx.Err()))
		return Classification{Intent: datatypes.IntentUnknown}, nil
	case res := <-ch:
		if res.Err != nil {
			slog.Warn("Intent classification call failed, defaulting to unknown",
				slog.Any("error", res.Err))
			return Classification{Intent: datatypes.IntentUnknown}, nil
		}
		result = res.Val
	}
	resp := result.(*llm.Response)
	if resp.Degraded {
		return Classification{Intent: datatypes.IntentUnknown, Usage: resp.Usage}, nil
	}

	intent, ok := datatypes.ParseIntent(resp.Content)
	if !ok {
		slog.Debug("Classifier output outside vocabulary, coerced to unknown",
			slog.String("raw", strings.TrimSpace(resp.Content)))
	}
	return Classification{Intent: intent, Exact: ok, Usage: resp.Usage}, nil
}

// coalesceKey hashes the message for singleflight deduplication.
func coalesceKey(message string) string {
	h := sha256.Sum256([]byte(message))
	return hex.EncodeToString(h[:])
}
