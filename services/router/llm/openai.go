// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianConverse/services/router/datatypes"
)

const (
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultEmbeddingModel  = openai.SmallEmbedding3
	defaultRequestTimeout  = 20 * time.Second
	defaultEmbedTimeout    = 10 * time.Second
	openAIKeySecretPath    = "/run/secrets/openai_api_key"
	defaultMaxOutputTokens = 1024
)

// OpenAIClient implements Client against the OpenAI chat and embeddings APIs.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
	requestTimeout time.Duration
	embedTimeout   time.Duration
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithModel overrides the generation model.
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.model = model }
}

// WithEmbeddingModel overrides the embedding model.
func WithEmbeddingModel(model openai.EmbeddingModel) OpenAIOption {
	return func(c *OpenAIClient) { c.embeddingModel = model }
}

// WithRequestTimeout bounds each generation call.
func WithRequestTimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) { c.requestTimeout = d }
}

// NewOpenAIClient creates an OpenAIClient from the environment.
//
// The API key is read from OPENAI_API_KEY, falling back to the mounted
// container secret. The model comes from OPENAI_MODEL unless overridden.
func NewOpenAIClient(opts ...OpenAIOption) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		apiKeyBytes, err := os.ReadFile(openAIKeySecretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY not set and secret not found",
				slog.String("path", openAIKeySecretPath))
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API key from container secrets")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultOpenAIModel
	}

	c := &OpenAIClient{
		client:         openai.NewClient(apiKey),
		model:          model,
		embeddingModel: defaultEmbeddingModel,
		requestTimeout: defaultRequestTimeout,
		embedTimeout:   defaultEmbedTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	slog.Info("Initialized OpenAI client",
		slog.String("model", c.model),
		slog.String("embedding_model", string(c.embeddingModel)))
	return c, nil
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return "openai" }

// Model implements Client.
func (c *OpenAIClient) Model() string { return c.model }

// Generate implements Client.
//
// Description:
//
//	Sends a chat completion request, translating the declared tool specs
//	into OpenAI function definitions so the model can emit structured
//	tool calls. The per-call timeout is enforced here regardless of the
//	caller's context deadline.
func (c *OpenAIClient) Generate(ctx context.Context, request *Request) (*Response, error) {
	if request == nil {
		return nil, fmt.Errorf("nil request")
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	req := openai.ChatCompletionRequest{
		Model:               c.model,
		Messages:            c.convertMessages(request),
		MaxCompletionTokens: maxTokens,
		Temperature:         request.Temperature,
	}
	for _, spec := range request.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI chat completion failed", slog.Any("error", err))
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: datatypes.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Duration: time.Since(started),
		Model:    resp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	slog.Debug("OpenAI chat completion succeeded",
		slog.String("finish_reason", string(choice.FinishReason)),
		slog.Int("tool_calls", len(out.ToolCalls)),
		slog.Int("total_tokens", out.Usage.TotalTokens))
	return out, nil
}

// Embed implements Client.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: c.embeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embedding data")
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) convertMessages(request *Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(request.Messages)+1)
	if request.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: request.SystemPrompt,
		})
	}
	for _, m := range request.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}
	return messages
}
