// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/llm"
)

func TestClassifyParsesVocabularyLabels(t *testing.T) {
	tests := []struct {
		raw  string
		want datatypes.Intent
	}{
		{"price_inquiry", datatypes.IntentPriceInquiry},
		{" Search \n", datatypes.IntentSearch},
		{"CONFIRM", datatypes.IntentConfirm},
		{"availability-check", datatypes.IntentAvailabilityCheck},
	}
	for _, tt := range tests {
		mock := llm.NewMockClient().QueueText(tt.raw)
		c, err := NewIntentClassifier(mock)
		require.NoError(t, err)

		got, err := c.Classify(context.Background(), "some message")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Intent, "raw %q", tt.raw)
		assert.True(t, got.Exact, "raw %q", tt.raw)
	}
}

func TestClassifyCoercesGarbageToUnknown(t *testing.T) {
	mock := llm.NewMockClient().QueueText("The user appears to be asking about pricing.")
	c, err := NewIntentClassifier(mock)
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), "how much")
	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentUnknown, got.Intent)
	assert.False(t, got.Exact)
}

func TestClassifyProviderFailureDefaultsToUnknown(t *testing.T) {
	mock := llm.NewMockClient().WithError(errors.New("timeout"))
	c, err := NewIntentClassifier(mock)
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentUnknown, got.Intent)
}

func TestClassifyEmptyMessageSkipsLLM(t *testing.T) {
	mock := llm.NewMockClient()
	c, err := NewIntentClassifier(mock)
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentUnknown, got.Intent)
	assert.Equal(t, 0, mock.CallCount())
}

func TestClassifyCoalescesConcurrentIdenticalMessages(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mock := llm.NewMockClient().WithResponseFunc(func(*llm.Request) (*llm.Response, error) {
		close(entered)
		<-release
		return &llm.Response{Content: "search"}, nil
	})
	c, err := NewIntentClassifier(mock)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Classification, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Classify(context.Background(), "show me ski rentals")
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}

	// Hold the first call open until the second is parked behind it.
	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, mock.CallCount())
	for _, got := range results {
		assert.Equal(t, datatypes.IntentSearch, got.Intent)
	}
}

func TestClassifyCallerCancellationDoesNotFailTheFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mock := llm.NewMockClient().WithResponseFunc(func(*llm.Request) (*llm.Response, error) {
		close(entered)
		<-release
		return &llm.Response{Content: "search"}, nil
	})
	c, err := NewIntentClassifier(mock)
	require.NoError(t, err)

	cancellable, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// The first caller starts the flight and then hangs up.
	var abandoned Classification
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err := c.Classify(cancellable, "show me ski rentals")
		assert.NoError(t, err)
		abandoned = got
	}()
	<-entered

	// A second caller joins the same flight before it resolves.
	var joined Classification
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err := c.Classify(context.Background(), "show me ski rentals")
		assert.NoError(t, err)
		joined = got
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// The canceller degrades to unknown; the survivor still gets the
	// provider's answer from the one shared call.
	assert.Equal(t, datatypes.IntentUnknown, abandoned.Intent)
	assert.Equal(t, datatypes.IntentSearch, joined.Intent)
	assert.Equal(t, 1, mock.CallCount())
}
