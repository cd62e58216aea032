// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools holds the static action registry and the executor that
// runs registered handlers under state, intent, and idempotency gates.
package tools

import (
	"encoding/json"
	"fmt"
)

// Result is the uniform envelope every tool handler returns.
type Result struct {
	// Success reports whether the action achieved its effect.
	Success bool `json:"success"`

	// Data is the structured payload fed back to the reasoning loop.
	Data map[string]any `json:"data,omitempty"`

	// Error is a user-presentable failure description. Internal error
	// detail stays in logs.
	Error string `json:"error,omitempty"`

	// UIPayload carries channel-specific rendering hints (carousels,
	// quick replies) passed through to the response untouched.
	UIPayload map[string]any `json:"ui_payload,omitempty"`

	// ResultCount is the number of items produced, or -1 when the action
	// has no countable output.
	ResultCount int `json:"result_count"`

	// Replayed is true when the envelope came from the idempotency store
	// instead of a fresh execution.
	Replayed bool `json:"replayed,omitempty"`
}

// OK builds a successful result with data and a count.
func OK(data map[string]any, count int) *Result {
	return &Result{Success: true, Data: data, ResultCount: count}
}

// Fail builds a failed result with a user-presentable message.
func Fail(message string) *Result {
	return &Result{Success: false, Error: message, ResultCount: -1}
}

// ToModelContent renders the result as the JSON string handed back to the
// model as the tool message body.
func (r *Result) ToModelContent() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"result serialization failed: %s"}`, err)
	}
	return string(b)
}
