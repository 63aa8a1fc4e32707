// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records requests and serves canned responses.
type fakeAPI struct {
	calls   int
	inputs  [][]string
	respond func(call int, input []string) (openai.EmbeddingResponse, error)
}

func (f *fakeAPI) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	req := conv.Convert()
	input, ok := req.Input.([]string)
	if !ok {
		return openai.EmbeddingResponse{}, fmt.Errorf("unexpected input type %T", req.Input)
	}
	f.calls++
	f.inputs = append(f.inputs, input)
	return f.respond(f.calls, input)
}

// okResponse builds an in-order response where vector i is [i+1, 0, 0].
func okResponse(n, totalTokens int) openai.EmbeddingResponse {
	resp := openai.EmbeddingResponse{}
	resp.Usage.TotalTokens = totalTokens
	for i := 0; i < n; i++ {
		resp.Data = append(resp.Data, openai.Embedding{
			Index:     i,
			Embedding: []float32{float32(i + 1), 0, 0},
		})
	}
	return resp
}

func newTestService(api API, opts Options) *Service {
	svc := NewService(api, opts)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func TestEmbedCache(t *testing.T) {
	fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
		return okResponse(len(input), 10), nil
	}}
	svc := newTestService(fake, Options{})

	first, err := svc.Embed(context.Background(), "connection refused")
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, []float32{1, 0, 0}, first.Vector)

	second, err := svc.Embed(context.Background(), "connection refused")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Vector, second.Vector)

	assert.Equal(t, 1, fake.calls, "cache hit must not reach the API")
	assert.Equal(t, 1, svc.Cache().Entries)
}

func TestEmbedEmptyText(t *testing.T) {
	fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
		return okResponse(len(input), 1), nil
	}}
	svc := newTestService(fake, Options{})

	_, err := svc.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Zero(t, fake.calls)
}

func TestBudgetEnforcement(t *testing.T) {
	t.Run("rejects before any API call", func(t *testing.T) {
		fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
			return okResponse(len(input), 10), nil
		}}
		svc := newTestService(fake, Options{DailyBudgetUSD: 1e-12})

		_, err := svc.Embed(context.Background(), "disk failure on /dev/sda1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBudgetExceeded)

		var budgetErr *BudgetExceededError
		require.ErrorAs(t, err, &budgetErr)
		assert.Equal(t, 1e-12, budgetErr.BudgetUSD)
		assert.Zero(t, budgetErr.SpentUSD)
		assert.Greater(t, budgetErr.EstimatedUSD, 0.0)

		assert.Zero(t, fake.calls, "budget rejection must not issue a remote call")
	})

	t.Run("actual usage counts against later requests", func(t *testing.T) {
		// First call bills 1M tokens = $0.02, exhausting the cap.
		fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
			return okResponse(len(input), 1_000_000), nil
		}}
		svc := newTestService(fake, Options{DailyBudgetUSD: 0.02})

		_, err := svc.Embed(context.Background(), "oom killed process 4312")
		require.NoError(t, err)

		_, err = svc.Embed(context.Background(), "different message entirely")
		assert.ErrorIs(t, err, ErrBudgetExceeded)
		assert.Equal(t, 1, fake.calls)

		status := svc.Budget()
		assert.InDelta(t, 0.02, status.SpentUSD, 1e-9)
		assert.Zero(t, status.RemainingUSD)
	})

	t.Run("cache hit bypasses an exhausted budget", func(t *testing.T) {
		fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
			return okResponse(len(input), 1_000_000), nil
		}}
		svc := newTestService(fake, Options{DailyBudgetUSD: 0.02})

		_, err := svc.Embed(context.Background(), "oom killed process 4312")
		require.NoError(t, err)

		res, err := svc.Embed(context.Background(), "oom killed process 4312")
		require.NoError(t, err)
		assert.True(t, res.Cached)
		assert.Equal(t, 1, fake.calls)
	})

	t.Run("multi-chunk batch is checked as a whole", func(t *testing.T) {
		fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
			return okResponse(len(input), 10), nil
		}}

		texts := make([]string, 2*maxBatchSize)
		for i := range texts {
			texts[i] = fmt.Sprintf("kernel: oom event %d", i)
		}
		total := 0.0
		for _, text := range texts {
			total += costFor(estimateTokens(text))
		}
		// Enough for the first chunk alone, not for the full batch.
		svc := newTestService(fake, Options{DailyBudgetUSD: total * 0.75})

		_, err := svc.EmbedBatch(context.Background(), texts)
		assert.ErrorIs(t, err, ErrBudgetExceeded)
		assert.Zero(t, fake.calls, "no chunk may go out once the batch is over budget")
	})

	t.Run("spend resets at UTC midnight", func(t *testing.T) {
		fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
			return okResponse(len(input), 1_000_000), nil
		}}
		svc := newTestService(fake, Options{DailyBudgetUSD: 0.02})

		day := time.Date(2025, 5, 30, 23, 0, 0, 0, time.UTC)
		svc.now = func() time.Time { return day }

		_, err := svc.Embed(context.Background(), "first day message")
		require.NoError(t, err)
		_, err = svc.Embed(context.Background(), "still first day")
		require.ErrorIs(t, err, ErrBudgetExceeded)

		day = day.Add(2 * time.Hour)
		_, err = svc.Embed(context.Background(), "next day message")
		assert.NoError(t, err)

		status := svc.Budget()
		assert.Equal(t, "2025-05-31", status.Date)
	})
}

func TestEmbedBatchOrder(t *testing.T) {
	// Respond with the data slice reversed; Index must restore order.
	fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
		resp := okResponse(len(input), 30)
		for i, j := 0, len(resp.Data)-1; i < j; i, j = i+1, j-1 {
			resp.Data[i], resp.Data[j] = resp.Data[j], resp.Data[i]
		}
		return resp, nil
	}}
	svc := newTestService(fake, Options{})

	results, err := svc.EmbedBatch(context.Background(), []string{"alpha", "", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Nil(t, results[1].Vector, "empty text yields no vector")
	assert.Equal(t, []float32{1, 0, 0}, results[0].Vector)
	assert.Equal(t, []float32{2, 0, 0}, results[2].Vector)
	assert.Equal(t, []float32{3, 0, 0}, results[3].Vector)

	require.Equal(t, 1, fake.calls)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, fake.inputs[0],
		"empty texts are excluded from the request")
}

func TestEmbedBatchMixedCache(t *testing.T) {
	fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
		return okResponse(len(input), 10), nil
	}}
	svc := newTestService(fake, Options{})

	_, err := svc.Embed(context.Background(), "alpha")
	require.NoError(t, err)

	results, err := svc.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.True(t, results[0].Cached)
	assert.False(t, results[1].Cached)
	require.Equal(t, 2, fake.calls)
	assert.Equal(t, []string{"beta"}, fake.inputs[1])
}

func TestRetryBackoff(t *testing.T) {
	t.Run("exponential delay on transient errors", func(t *testing.T) {
		fake := &fakeAPI{respond: func(call int, input []string) (openai.EmbeddingResponse, error) {
			if call < 3 {
				return openai.EmbeddingResponse{}, errors.New("connection reset")
			}
			return okResponse(len(input), 10), nil
		}}
		svc := NewService(fake, Options{})
		var delays []time.Duration
		svc.sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}

		_, err := svc.Embed(context.Background(), "flaky upstream")
		require.NoError(t, err)
		assert.Equal(t, 3, fake.calls)
		assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)
	})

	t.Run("rate limit waits the full minute", func(t *testing.T) {
		fake := &fakeAPI{respond: func(call int, input []string) (openai.EmbeddingResponse, error) {
			if call == 1 {
				return openai.EmbeddingResponse{}, &openai.APIError{HTTPStatusCode: 429, Message: "rate limit"}
			}
			return okResponse(len(input), 10), nil
		}}
		svc := NewService(fake, Options{})
		var delays []time.Duration
		svc.sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}

		_, err := svc.Embed(context.Background(), "noisy neighbor")
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{60 * time.Second}, delays)
	})

	t.Run("rate limit backoff follows the provider hint", func(t *testing.T) {
		fake := &fakeAPI{respond: func(call int, input []string) (openai.EmbeddingResponse, error) {
			if call < 3 {
				return openai.EmbeddingResponse{}, &openai.APIError{
					HTTPStatusCode: 429,
					Message:        "Rate limit reached. Please try again in 2s.",
				}
			}
			return okResponse(len(input), 10), nil
		}}
		svc := NewService(fake, Options{})
		var delays []time.Duration
		svc.sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}

		_, err := svc.Embed(context.Background(), "hinted throttle")
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
	})

	t.Run("hinted delay caps at one minute", func(t *testing.T) {
		err := &openai.APIError{HTTPStatusCode: 429, Message: "Please try again in 40s."}
		assert.Equal(t, 40*time.Second, retryDelay(err, 1))
		assert.Equal(t, 60*time.Second, retryDelay(err, 2))

		err = &openai.APIError{HTTPStatusCode: 429, Message: "Please try again in 500ms."}
		assert.Equal(t, 500*time.Millisecond, retryDelay(err, 1))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		fake := &fakeAPI{respond: func(int, []string) (openai.EmbeddingResponse, error) {
			return openai.EmbeddingResponse{}, errors.New("persistent failure")
		}}
		svc := newTestService(fake, Options{})

		_, err := svc.Embed(context.Background(), "doomed")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, fake.calls)
	})
}

func TestClearCache(t *testing.T) {
	fake := &fakeAPI{respond: func(_ int, input []string) (openai.EmbeddingResponse, error) {
		return okResponse(len(input), 10), nil
	}}
	svc := newTestService(fake, Options{})

	_, err := svc.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	require.Equal(t, 1, svc.Cache().Entries)

	svc.ClearCache()
	assert.Zero(t, svc.Cache().Entries)

	_, err = svc.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)
}
