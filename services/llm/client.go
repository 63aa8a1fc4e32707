// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm wraps the chat-completion API behind a small client and
// exposes the analysis operations as a closed set of named tools.
//
// # Description
//
// The Client issues plain and JSON-mode chat calls with explicit
// generation parameters. The Registry dispatches tool invocations by
// tag to a fixed set of implementations; there is no reflective or
// dynamic tool discovery.
//
// # Thread Safety
//
// Client and Registry are immutable after construction and safe for
// concurrent use.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// GenerationParams are the per-call sampling knobs. Nil fields keep
// the provider default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ChatAPI is the subset of the OpenAI client the Client depends on.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client is a thin chat-completion wrapper with plain and JSON-mode
// generation.
type Client struct {
	api    ChatAPI
	model  string
	logger *slog.Logger
}

// NewClient builds a Client. An empty model uses gpt-4o-mini.
func NewClient(api ChatAPI, model string, logger *slog.Logger) *Client {
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		model:  model,
		logger: logger.With(slog.String("component", "llm")),
	}
}

// Generate runs one chat completion and returns the raw text content.
func (c *Client) Generate(ctx context.Context, system, prompt string, params GenerationParams) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(system, prompt, params, nil))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	c.logger.Debug("generation complete",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

// GenerateJSON runs one JSON-mode chat completion and unmarshals the
// content into out. The raw content is returned alongside so callers
// can fall back to free text when parsing fails.
func (c *Client) GenerateJSON(ctx context.Context, system, prompt string, params GenerationParams, out any) (string, error) {
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	resp, err := c.api.CreateChatCompletion(ctx, c.request(system, prompt, params, format))
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return content, fmt.Errorf("unparseable structured response: %w", err)
	}
	return content, nil
}

func (c *Client) request(system, prompt string, params GenerationParams, format *openai.ChatCompletionResponseFormat) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: format,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
