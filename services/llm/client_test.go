// Copyright (C) 2025 Siftlog Authors
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

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChatAPI struct {
	requests []openai.ChatCompletionRequest
	respond  func(call int, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (f *fakeChatAPI) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	call := len(f.requests)
	f.requests = append(f.requests, req)
	return f.respond(call, req)
}

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerate(t *testing.T) {
	api := &fakeChatAPI{
		respond: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return chatResponse("all quiet"), nil
		},
	}
	client := NewClient(api, "", nil)

	temp := float32(0.4)
	maxTokens := 128
	out, err := client.Generate(context.Background(), "be brief", "status?", GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"\n\n"},
	})
	require.NoError(t, err)
	assert.Equal(t, "all quiet", out)

	require.Len(t, api.requests, 1)
	req := api.requests[0]
	assert.Equal(t, openai.GPT4oMini, req.Model)
	assert.Nil(t, req.ResponseFormat)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, "status?", req.Messages[1].Content)
	assert.InDelta(t, 0.4, req.Temperature, 1e-6)
	assert.Equal(t, 128, req.MaxTokens)
	assert.Equal(t, []string{"\n\n"}, req.Stop)
}

func TestGenerateErrors(t *testing.T) {
	t.Run("api failure", func(t *testing.T) {
		api := &fakeChatAPI{
			respond: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, errors.New("rate limited")
			},
		}
		_, err := NewClient(api, "gpt-4o", nil).Generate(context.Background(), "s", "p", GenerationParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
	})

	t.Run("no choices", func(t *testing.T) {
		api := &fakeChatAPI{
			respond: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, nil
			},
		}
		_, err := NewClient(api, "gpt-4o", nil).Generate(context.Background(), "s", "p", GenerationParams{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no choices")
	})
}

func TestGenerateJSON(t *testing.T) {
	api := &fakeChatAPI{
		respond: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return chatResponse(`{"severity": "high"}`), nil
		},
	}
	client := NewClient(api, "gpt-4o", nil)

	var out struct {
		Severity string `json:"severity"`
	}
	raw, err := client.GenerateJSON(context.Background(), "s", "p", GenerationParams{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "high", out.Severity)
	assert.Equal(t, `{"severity": "high"}`, raw)

	require.Len(t, api.requests, 1)
	require.NotNil(t, api.requests[0].ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, api.requests[0].ResponseFormat.Type)
}

func TestGenerateJSONUnparseable(t *testing.T) {
	api := &fakeChatAPI{
		respond: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return chatResponse("this is prose, not JSON"), nil
		},
	}

	var out struct{}
	raw, err := NewClient(api, "gpt-4o", nil).GenerateJSON(context.Background(), "s", "p", GenerationParams{}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
	assert.Equal(t, "this is prose, not JSON", raw)
}
