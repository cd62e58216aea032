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
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and requests
// to the provider are blocked.
var ErrCircuitOpen = errors.New("circuit breaker is open, llm requests blocked")

// FallbackMessage is the user-safe apology returned instead of provider
// errors. It must never leak internal failure detail.
const FallbackMessage = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// StateClosed indicates the provider is healthy, requests flow.
	StateClosed BreakerState = iota
	// StateOpen indicates requests are blocked until the cooldown expires.
	StateOpen
	// StateHalfOpen indicates a single probe request is allowed through.
	StateHalfOpen
)

// String returns the state name for logging and metrics.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the ResilientClient.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before half-opening.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// StateChangeFunc is invoked on each breaker state transition.
type StateChangeFunc func(from, to BreakerState)

// ResilientClient wraps a Client with a circuit breaker so a failing
// provider degrades into apologies instead of cascading errors.
//
// Description:
//
//	Generate never returns a provider error to the caller. On failure, or
//	while the circuit is open, it returns a Degraded response carrying
//	FallbackMessage. Embed does propagate errors, because callers treat a
//	missing embedding as "skip the knowledge tier" rather than as a
//	user-visible failure.
//
// Thread Safety: ResilientClient is safe for concurrent use.
type ResilientClient struct {
	inner  Client
	config BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	probeRunning bool

	onStateChange StateChangeFunc
}

// ResilientOption configures a ResilientClient.
type ResilientOption func(*ResilientClient)

// WithBreakerConfig overrides the breaker thresholds.
func WithBreakerConfig(cfg BreakerConfig) ResilientOption {
	return func(c *ResilientClient) { c.config = cfg }
}

// WithStateChangeFunc registers a transition callback (e.g., a metrics
// gauge). The callback runs with the breaker lock held; keep it cheap.
func WithStateChangeFunc(fn StateChangeFunc) ResilientOption {
	return func(c *ResilientClient) { c.onStateChange = fn }
}

// NewResilientClient wraps inner with circuit-breaker protection.
func NewResilientClient(inner Client, opts ...ResilientOption) *ResilientClient {
	c := &ResilientClient{
		inner:  inner,
		config: DefaultBreakerConfig(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Client.
func (c *ResilientClient) Name() string { return c.inner.Name() }

// Model implements Client.
func (c *ResilientClient) Model() string { return c.inner.Model() }

// State returns the current breaker state.
func (c *ResilientClient) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generate implements Client with graceful degradation.
func (c *ResilientClient) Generate(ctx context.Context, request *Request) (*Response, error) {
	release, err := c.acquire()
	if err != nil {
		return degradedResponse(), nil
	}

	resp, err := c.inner.Generate(ctx, request)
	if err != nil {
		// Caller cancellation is not a provider fault.
		if errors.Is(err, context.Canceled) {
			release(true)
			return nil, err
		}
		release(false)
		slog.Warn("LLM generate failed, returning fallback",
			slog.String("provider", c.inner.Name()),
			slog.Any("error", err))
		return degradedResponse(), nil
	}
	release(true)
	return resp, nil
}

// Embed implements Client. The breaker gate applies but errors propagate.
func (c *ResilientClient) Embed(ctx context.Context, text string) ([]float32, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	vec, err := c.inner.Embed(ctx, text)
	release(err == nil || errors.Is(err, context.Canceled))
	return vec, err
}

// acquire checks the breaker gate. It returns a release callback that
// records the outcome of the attempt, or ErrCircuitOpen when blocked.
func (c *ResilientClient) acquire() (func(success bool), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateOpen:
		if time.Since(c.openedAt) < c.config.Cooldown {
			return nil, ErrCircuitOpen
		}
		c.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		// Only one probe at a time while half-open.
		if c.probeRunning {
			return nil, ErrCircuitOpen
		}
		c.probeRunning = true
	}
	return c.record, nil
}

func (c *ResilientClient) record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeRunning = false

	if success {
		c.failures = 0
		if c.state != StateClosed {
			c.transition(StateClosed)
		}
		return
	}

	c.failures++
	if c.state == StateHalfOpen || c.failures >= c.config.FailureThreshold {
		c.openedAt = time.Now()
		if c.state != StateOpen {
			c.transition(StateOpen)
		}
	}
}

// transition changes state. Callers must hold c.mu.
func (c *ResilientClient) transition(to BreakerState) {
	from := c.state
	c.state = to
	slog.Info("LLM circuit breaker state change",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("failures", c.failures))
	if c.onStateChange != nil {
		c.onStateChange(from, to)
	}
}

func degradedResponse() *Response {
	return &Response{
		Content:  FallbackMessage,
		Degraded: true,
	}
}
