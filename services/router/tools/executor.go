// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
	"github.com/AleutianAI/AleutianConverse/services/router/flow"
	"github.com/AleutianAI/AleutianConverse/services/router/idempotency"
)

var (
	// ErrUnknownTool is returned for actions outside the registry.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrActionNotAllowed is returned when the flow gate rejects the
	// action for the session's current state and intent.
	ErrActionNotAllowed = errors.New("action not allowed")
)

const defaultIdempotencyTTL = 24 * time.Hour

// Executor runs tool calls behind the flow gate and the idempotency
// store.
//
// # Description
//
// Execute resolves the definition, asks the decision service whether the
// action may run in the session's current state under the classified
// intent, fills missing arguments from active context slots, and then
// either replays a stored result (same session, action, and resolved
// arguments within the TTL) or runs the handler. Handler panics are
// contained and surfaced as failed results.
//
// # Thread Safety
//
// Executor is safe for concurrent use once constructed.
type Executor struct {
	registry  *Registry
	decisions *flow.DecisionService
	idem      idempotency.Store
	idemTTL   time.Duration
	onExecute func(action, status string)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithIdempotencyTTL overrides how long executed results are replayable.
func WithIdempotencyTTL(ttl time.Duration) ExecutorOption {
	return func(e *Executor) { e.idemTTL = ttl }
}

// WithExecuteHook registers a callback invoked after each executed or
// replayed call, with a status of "success", "failure", or "replayed".
func WithExecuteHook(fn func(action, status string)) ExecutorOption {
	return func(e *Executor) { e.onExecute = fn }
}

// NewExecutor wires the executor. All dependencies are required.
func NewExecutor(registry *Registry, decisions *flow.DecisionService, idem idempotency.Store, opts ...ExecutorOption) (*Executor, error) {
	if registry == nil || decisions == nil || idem == nil {
		return nil, fmt.Errorf("registry, decision service, and idempotency store are required")
	}
	e := &Executor{
		registry:  registry,
		decisions: decisions,
		idem:      idem,
		idemTTL:   defaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs one gated tool call against the session.
//
// Gate refusals return ErrActionNotAllowed wrapped with the human-readable
// reason; the reasoning loop quotes it back to the model. Handler-level
// failures return a failed Result with a nil error, because the action ran.
func (e *Executor) Execute(ctx context.Context, session *datatypes.Session, intent datatypes.Intent, call Call, slots []datatypes.ContextSlot) (*Result, error) {
	def, ok := e.registry.Get(call.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Action)
	}

	allowed, reason := e.decisions.CanExecute(intent, session.State, call.Action)
	if !allowed {
		slog.Info("Tool call rejected by flow gate",
			slog.String("session_id", session.ID),
			slog.String("action", call.Action),
			slog.String("state", string(session.State)),
			slog.String("intent", string(intent)),
			slog.String("reason", reason))
		return nil, fmt.Errorf("%w: %s", ErrActionNotAllowed, reason)
	}

	call.Args = FillFromSlots(def, call.Args, slots)
	if err := ValidateArgs(def, call.Args); err != nil {
		e.observe(call.Action, "failure")
		return Fail(err.Error()), nil
	}

	// Every call is replay-checked, read-only ones included, so a retried
	// message produces the exact bytes of the first execution.
	idemKey := idempotency.Key(call.SessionID, call.Action, call.Args)
	if cached, ok := e.replay(ctx, idemKey, call.Action); ok {
		slog.Info("Replayed idempotent tool result",
			slog.String("session_id", session.ID),
			slog.String("action", call.Action))
		e.observe(call.Action, "replayed")
		return cached, nil
	}

	result := e.runHandler(ctx, def, call)
	if result.Success {
		e.observe(call.Action, "success")
	} else {
		e.observe(call.Action, "failure")
	}

	if result.Success {
		result = e.record(ctx, idemKey, call.Action, result)
	}
	return result, nil
}

// replay fetches and decodes a stored result for idemKey. Corrupt records
// fall through to a fresh execution.
func (e *Executor) replay(ctx context.Context, idemKey, action string) (*Result, bool) {
	payload, found, err := e.idem.Get(ctx, idemKey)
	if err != nil || !found {
		return nil, false
	}
	var record datatypes.IdempotencyRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		slog.Warn("Corrupt idempotency record, re-executing",
			slog.String("action", action), slog.Any("error", err))
		return nil, false
	}
	var cached Result
	if err := json.Unmarshal(record.Payload, &cached); err != nil {
		slog.Warn("Corrupt idempotency payload, re-executing",
			slog.String("action", action), slog.Any("error", err))
		return nil, false
	}
	cached.Replayed = true
	return &cached, true
}

// record stores a successful result and returns its canonical decoded
// form, so the first caller and every replay see identical bytes even for
// values that change shape across a JSON round trip.
func (e *Executor) record(ctx context.Context, idemKey, action string, result *Result) *Result {
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Warn("Failed to encode tool result for idempotency",
			slog.String("action", action), slog.Any("error", err))
		return result
	}
	record, err := json.Marshal(datatypes.IdempotencyRecord{
		Key:       idemKey,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return result
	}
	if err := e.idem.Set(ctx, idemKey, record, e.idemTTL); err != nil {
		slog.Warn("Failed to record idempotent result",
			slog.String("action", action), slog.Any("error", err))
	}
	canonical := &Result{}
	if err := json.Unmarshal(payload, canonical); err != nil {
		return result
	}
	return canonical
}

func (e *Executor) observe(action, status string) {
	if e.onExecute != nil {
		e.onExecute(action, status)
	}
}

// runHandler invokes the handler with panic containment. A panicking
// handler must not take the whole request down.
func (e *Executor) runHandler(ctx context.Context, def Definition, call Call) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool handler panicked",
				slog.String("action", call.Action),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = Fail("the action failed unexpectedly")
		}
	}()

	res, err := def.Handler(ctx, call)
	if err != nil {
		slog.Error("Tool handler failed",
			slog.String("action", call.Action),
			slog.Any("error", err))
		return Fail("the action could not be completed")
	}
	if res == nil {
		return Fail("the action returned no result")
	}
	return res
}
