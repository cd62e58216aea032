// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResilientClientPassesThroughOnSuccess(t *testing.T) {
	mock := NewMockClient().QueueText("hello there")
	client := NewResilientClient(mock)

	resp, err := client.Generate(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.False(t, resp.Degraded)
	assert.Equal(t, StateClosed, client.State())
}

func TestResilientClientDegradesOnProviderFailure(t *testing.T) {
	mock := NewMockClient().WithError(errors.New("connection refused"))
	client := NewResilientClient(mock)

	resp, err := client.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, FallbackMessage, resp.Content)
}

func TestResilientClientOpensAfterThreshold(t *testing.T) {
	mock := NewMockClient().WithError(errors.New("boom"))
	client := NewResilientClient(mock, WithBreakerConfig(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	}))

	for i := 0; i < 3; i++ {
		resp, err := client.Generate(context.Background(), &Request{})
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
	}
	assert.Equal(t, StateOpen, client.State())

	// While open, the provider is never touched.
	before := mock.CallCount()
	resp, err := client.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, before, mock.CallCount())

	// Embed propagates the gate as an error instead of a fallback.
	_, err = client.Embed(context.Background(), "query")
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestResilientClientHalfOpenRecovery(t *testing.T) {
	mock := NewMockClient().WithError(errors.New("boom"))
	client := NewResilientClient(mock, WithBreakerConfig(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
	}))

	_, err := client.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, StateOpen, client.State())

	time.Sleep(20 * time.Millisecond)
	mock.WithError(nil).QueueText("recovered")

	resp, err := client.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, StateClosed, client.State())
}

func TestResilientClientHalfOpenFailureReopens(t *testing.T) {
	mock := NewMockClient().WithError(errors.New("boom"))
	client := NewResilientClient(mock, WithBreakerConfig(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
	}))

	_, _ = client.Generate(context.Background(), &Request{})
	require.Equal(t, StateOpen, client.State())

	time.Sleep(20 * time.Millisecond)
	resp, err := client.Generate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, StateOpen, client.State())
}

func TestResilientClientStateChangeCallback(t *testing.T) {
	var transitions []string
	mock := NewMockClient().WithError(errors.New("boom"))
	client := NewResilientClient(mock,
		WithBreakerConfig(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}),
		WithStateChangeFunc(func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))

	_, _ = client.Generate(context.Background(), &Request{})
	assert.Equal(t, []string{"closed->open"}, transitions)
}
