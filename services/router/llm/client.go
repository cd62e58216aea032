// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the large-language-model backend consumed by the
// router: text generation with optional structured tool calls, and text
// embedding. Providers are opaque; the router only sees this contract.
package llm

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// Client defines the interface for LLM interactions.
//
// Implementations must be safe for concurrent use and must carry bounded
// timeouts on every network call.
type Client interface {
	// Generate sends a completion request and returns the response.
	Generate(ctx context.Context, request *Request) (*Response, error)

	// Embed computes the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider name (e.g., "openai", "mock").
	Name() string

	// Model returns the generation model in use.
	Model() string
}

// ToolSpec declares one callable action to the model.
type ToolSpec struct {
	// Name is the action name the model must echo back in a tool call.
	Name string `json:"name"`

	// Description tells the model when to use the action.
	Description string `json:"description"`

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any `json:"parameters"`
}

// Message represents one conversation message.
type Message struct {
	// Role is "user", "assistant", "system", or "tool".
	Role string `json:"role"`

	// Content is the text content.
	Content string `json:"content"`

	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls contains tool invocations (assistant messages only).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured action request emitted by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the requested action name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object. It may be malformed;
	// callers must treat parse failures as recoverable input errors.
	Arguments string `json:"arguments"`
}

// Request represents a completion request.
type Request struct {
	// SystemPrompt is the system message.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the rolling conversation history, oldest first.
	Messages []Message `json:"messages"`

	// Tools declares the currently allowed actions. Empty disables tool
	// calling for this request.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float32 `json:"temperature,omitempty"`
}

// Response represents an LLM response.
type Response struct {
	// Content is the text response. May be empty when the model chose to
	// call a tool instead.
	Content string `json:"content"`

	// ToolCalls contains any action requests. The reasoning loop handles
	// at most one per iteration.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Usage is the token accounting for this single call.
	Usage datatypes.TokenUsage `json:"usage"`

	// Duration is how long the request took.
	Duration time.Duration `json:"duration"`

	// Model is the model that generated this response.
	Model string `json:"model,omitempty"`

	// Degraded marks a fallback response produced locally because the
	// provider was unavailable (circuit open or hard failure).
	Degraded bool `json:"degraded,omitempty"`
}

// HasToolCalls reports whether the response requests any action.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }
