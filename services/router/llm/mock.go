// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

// MockClient is a scripted LLM client for testing.
//
// Thread Safety:
//
//	MockClient is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	// responses are queued responses returned in order.
	responses []*Response

	// defaultResponse is returned when no queued responses remain.
	defaultResponse *Response

	// responseFunc allows dynamic response generation. Takes precedence
	// over the queue when set.
	responseFunc func(*Request) (*Response, error)

	// errorToReturn causes Generate to return this error.
	errorToReturn error

	// embedDim is the dimensionality of deterministic fake embeddings.
	embedDim int

	// calls records all Generate requests.
	calls []*Request

	// embedded records all Embed inputs.
	embedded []string
}

// NewMockClient creates a mock that answers with a canned response.
func NewMockClient() *MockClient {
	return &MockClient{
		defaultResponse: &Response{
			Content: "Mock response",
			Usage:   datatypes.TokenUsage{PromptTokens: 50, CompletionTokens: 50, TotalTokens: 100},
		},
		embedDim: 8,
	}
}

// QueueResponse appends a response to the script.
func (c *MockClient) QueueResponse(resp *Response) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return c
}

// QueueText appends a plain-text response to the script.
func (c *MockClient) QueueText(content string) *MockClient {
	return c.QueueResponse(&Response{
		Content: content,
		Usage:   datatypes.TokenUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
	})
}

// QueueToolCall appends a response requesting one tool call.
func (c *MockClient) QueueToolCall(name, arguments string) *MockClient {
	return c.QueueResponse(&Response{
		ToolCalls: []ToolCall{{ID: "call_" + name, Name: name, Arguments: arguments}},
		Usage:     datatypes.TokenUsage{PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45},
	})
}

// WithResponseFunc sets a dynamic response generator.
func (c *MockClient) WithResponseFunc(fn func(*Request) (*Response, error)) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFunc = fn
	return c
}

// WithError makes Generate fail with err until cleared.
func (c *MockClient) WithError(err error) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorToReturn = err
	return c
}

// Name implements Client.
func (c *MockClient) Name() string { return "mock" }

// Model implements Client.
func (c *MockClient) Model() string { return "mock-model" }

// Generate implements Client.
func (c *MockClient) Generate(ctx context.Context, request *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, request)

	if c.errorToReturn != nil {
		return nil, c.errorToReturn
	}
	if c.responseFunc != nil {
		return c.responseFunc(request)
	}
	if len(c.responses) > 0 {
		resp := c.responses[0]
		c.responses = c.responses[1:]
		resp.Duration = time.Millisecond
		return resp, nil
	}
	return c.defaultResponse, nil
}

// Embed implements Client with a deterministic hash-derived vector, so
// identical texts always embed identically in tests.
func (c *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.embedded = append(c.embedded, text)
	errOut := c.errorToReturn
	dim := c.embedDim
	c.mu.Unlock()
	if errOut != nil {
		return nil, errOut
	}

	vec := make([]float32, dim)
	h := fnv.New32a()
	for i := range vec {
		h.Write([]byte(text))
		vec[i] = float32(h.Sum32()%1000) / 1000.0
	}
	return vec, nil
}

// Calls returns a copy of all recorded Generate requests.
func (c *MockClient) Calls() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns the number of Generate calls so far.
func (c *MockClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
