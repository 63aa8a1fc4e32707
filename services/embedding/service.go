// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedding generates vector embeddings for log messages.
//
// # Description
//
// Service wraps the OpenAI embeddings API with three layers of cost
// control: a content-hash cache that short-circuits repeated texts, a
// daily spend cap tracked per UTC calendar day, and a client-side rate
// limiter. Requests are batched up to the provider maximum and retried
// with exponential backoff; rate-limit responses back off from the
// provider's wait hint when the response carries one. A cache hit
// never touches the budget or the network.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/siftlog/sift/observability"
)

var tracer = otel.Tracer("siftlog/embedding")

const (
	// Dimensions is the embedding vector width for the default model.
	Dimensions = 1536

	defaultModel = openai.SmallEmbedding3

	// text-embedding-3-small pricing, USD per million tokens.
	costPerMillionTokensUSD = 0.02

	// Rough token estimate used for pre-call budget checks.
	charsPerToken = 4

	// Provider limit on texts per embeddings request.
	maxBatchSize = 2048

	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 60 * time.Second
	rateLimitDelay = 60 * time.Second
	dayFormat      = "2006-01-02"
)

// API is the subset of the OpenAI client the service depends on.
type API interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Result is the outcome of embedding a single text.
//
// Vector is nil when the text was empty or the request failed. Tokens
// and CostUSD are estimates derived from text length; the budget is
// charged with the provider's reported usage.
type Result struct {
	Vector  []float32
	Model   string
	Tokens  int
	CostUSD float64
	Cached  bool
}

// BudgetStatus is a snapshot of the daily spend counter.
type BudgetStatus struct {
	Date         string  `json:"date"`
	SpentUSD     float64 `json:"spent_usd"`
	BudgetUSD    float64 `json:"budget_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// CacheStatus is a snapshot of the in-memory embedding cache.
type CacheStatus struct {
	Entries int `json:"entries"`
}

// Options configures a Service.
type Options struct {
	// Model overrides the default embedding model.
	Model openai.EmbeddingModel

	// DailyBudgetUSD caps spend per UTC calendar day. Zero disables
	// the cap.
	DailyBudgetUSD float64

	// RequestsPerSecond limits outbound API calls. Zero disables the
	// limiter.
	RequestsPerSecond float64

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Service produces embeddings with caching, budget and rate control.
type Service struct {
	api     API
	model   openai.EmbeddingModel
	budget  float64
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	cache    map[string][]float32
	spendDay string
	spentUSD float64

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService builds a Service around api.
func NewService(api API, opts Options) *Service {
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Service{
		api:     api,
		model:   model,
		budget:  opts.DailyBudgetUSD,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "embedding")),
		metrics: opts.Metrics,
		cache:   make(map[string][]float32),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Embed returns the embedding for a single text.
func (s *Service) Embed(ctx context.Context, text string) (Result, error) {
	results, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	if results[0].Vector == nil {
		return Result{}, ErrEmptyInput
	}
	return results[0], nil
}

// EmbedBatch embeds texts, preserving input order in the returned
// slice. Empty texts yield a zero Result with a nil Vector. Cached
// texts are served without an API call. The daily budget is checked
// against the estimate for the whole batch before any call goes out,
// so a rejected batch spends nothing. On error the returned slice
// still carries any results completed before the failure; a budget
// rejection matches errors.Is(err, ErrBudgetExceeded) and is not
// retried.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	// Serve cache hits and collect the indexes that need a call.
	var pending []int
	s.mu.Lock()
	for i, text := range texts {
		if text == "" {
			continue
		}
		if vec, ok := s.cache[cacheKey(text)]; ok {
			results[i] = Result{
				Vector: vec,
				Model:  string(s.model),
				Tokens: estimateTokens(text),
				Cached: true,
			}
			continue
		}
		pending = append(pending, i)
	}
	s.mu.Unlock()

	if hits := len(texts) - len(pending); hits > 0 && s.metrics != nil {
		s.metrics.EmbeddingCacheHitsTotal.Add(float64(hits))
	}
	if len(pending) == 0 {
		return results, nil
	}

	// Budget-check the whole batch up front. Without this a batch
	// spanning several chunks could land its first chunks and then
	// fail, leaving a partial spend for a request that errors out.
	estimated := 0.0
	for _, idx := range pending {
		estimated += costFor(estimateTokens(texts[idx]))
	}
	if err := s.reserveBudget(estimated); err != nil {
		if s.metrics != nil {
			s.metrics.BudgetExceededTotal.Inc()
		}
		s.logger.Warn("embedding batch rejected by daily budget",
			slog.Float64("estimated_usd", estimated),
			slog.Int("texts", len(pending)))
		return results, err
	}

	for start := 0; start < len(pending); start += maxBatchSize {
		end := min(start+maxBatchSize, len(pending))
		chunk := pending[start:end]
		if err := s.embedChunk(ctx, texts, chunk, results); err != nil {
			return results, err
		}
	}
	return results, nil
}

// embedChunk performs one budget-checked, rate-limited, retried API
// call for the texts at the given indexes and fills results in place.
func (s *Service) embedChunk(ctx context.Context, texts []string, idxs []int, results []Result) (err error) {
	ctx, span := tracer.Start(ctx, "embedding.embed_chunk")
	span.SetAttributes(attribute.Int("embed.texts", len(idxs)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	input := make([]string, len(idxs))
	estimated := 0.0
	for i, idx := range idxs {
		input[i] = texts[idx]
		estimated += costFor(estimateTokens(texts[idx]))
	}

	if err := s.reserveBudget(estimated); err != nil {
		if s.metrics != nil {
			s.metrics.BudgetExceededTotal.Inc()
		}
		s.logger.Warn("embedding request rejected by daily budget",
			slog.Float64("estimated_usd", estimated),
			slog.Int("texts", len(idxs)))
		return err
	}

	resp, err := s.callWithRetry(ctx, input)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EmbeddingsTotal.WithLabelValues("error").Inc()
		}
		return err
	}
	if len(resp.Data) != len(input) {
		return fmt.Errorf("embedding response length mismatch: got %d vectors for %d texts",
			len(resp.Data), len(input))
	}

	actualCost := costFor(resp.Usage.TotalTokens)
	s.recordSpend(actualCost)
	if s.metrics != nil {
		s.metrics.EmbeddingsTotal.WithLabelValues("success").Inc()
		s.metrics.EmbeddingCostUSD.Add(actualCost)
		s.metrics.EmbeddingTokensTotal.Add(float64(resp.Usage.TotalTokens))
	}

	s.mu.Lock()
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(idxs) {
			s.mu.Unlock()
			return fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		idx := idxs[d.Index]
		text := texts[idx]
		results[idx] = Result{
			Vector:  d.Embedding,
			Model:   string(s.model),
			Tokens:  estimateTokens(text),
			CostUSD: costFor(estimateTokens(text)),
		}
		s.cache[cacheKey(text)] = d.Embedding
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) callWithRetry(ctx context.Context, input []string) (openai.EmbeddingResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return openai.EmbeddingResponse{}, err
			}
		}

		resp, err := s.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      input,
			Model:      s.model,
			Dimensions: Dimensions,
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		delay := retryDelay(err, attempt)
		if isRateLimited(err) && s.metrics != nil {
			s.metrics.RateLimitErrorsTotal.Inc()
		}
		s.logger.Warn("embedding request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := s.sleep(ctx, delay); err != nil {
			return openai.EmbeddingResponse{}, err
		}
	}
	return openai.EmbeddingResponse{}, fmt.Errorf("embedding request failed after %d attempts: %w", maxRetries, lastErr)
}

// reserveBudget rejects the request when the estimated cost would push
// today's spend past the cap. Actual spend is recorded separately from
// provider usage, so the check is an estimate by design of the pricing
// model, not a hard reservation.
func (s *Service) reserveBudget(estimated float64) error {
	if s.budget <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	if s.spentUSD+estimated > s.budget {
		return &BudgetExceededError{
			SpentUSD:     s.spentUSD,
			EstimatedUSD: estimated,
			BudgetUSD:    s.budget,
		}
	}
	return nil
}

func (s *Service) recordSpend(cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	s.spentUSD += cost
	if s.metrics != nil {
		s.metrics.EmbeddingDailySpendUSD.Set(s.spentUSD)
	}
}

// rollDayLocked resets the spend counter when the UTC day changes.
// Caller holds s.mu.
func (s *Service) rollDayLocked() {
	day := s.now().UTC().Format(dayFormat)
	if day != s.spendDay {
		s.spendDay = day
		s.spentUSD = 0
	}
}

// Budget reports today's spend against the cap.
func (s *Service) Budget() BudgetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	remaining := s.budget - s.spentUSD
	if s.budget <= 0 {
		remaining = 0
	} else if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		Date:         s.spendDay,
		SpentUSD:     s.spentUSD,
		BudgetUSD:    s.budget,
		RemainingUSD: remaining,
	}
}

// Cache reports the current cache size.
func (s *Service) Cache() CacheStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CacheStatus{Entries: len(s.cache)}
}

// ClearCache empties the embedding cache.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]float32)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func estimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

func costFor(tokens int) float64 {
	return float64(tokens) / 1_000_000 * costPerMillionTokensUSD
}

// retryDelay picks the backoff for attempt. Rate-limit responses
// start from the provider's wait hint when the error message carries
// one, falling back to a full minute otherwise; everything else
// starts from baseRetryDelay. Both double per attempt and cap at
// maxRetryDelay.
func retryDelay(err error, attempt int) time.Duration {
	base := baseRetryDelay
	if isRateLimited(err) {
		base = rateLimitDelay
		if hint, ok := retryAfterHint(err); ok {
			base = hint
		}
	}
	delay := base << (attempt - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// retryAfterMessage matches the wait hint OpenAI embeds in 429 bodies,
// e.g. "Rate limit reached ... Please try again in 1.2s".
var retryAfterMessage = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)(ms|s)`)

func retryAfterHint(err error) (time.Duration, bool) {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	m := retryAfterMessage.FindStringSubmatch(apiErr.Message)
	if m == nil {
		return 0, false
	}
	v, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil || v <= 0 {
		return 0, false
	}
	unit := time.Second
	if m[2] == "ms" {
		unit = time.Millisecond
	}
	return time.Duration(v * float64(unit)), true
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
