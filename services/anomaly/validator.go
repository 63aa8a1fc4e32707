// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/siftlog/sift/observability"
)

var tracer = otel.Tracer("siftlog/anomaly")

const maxContextLogs = 5

// ChatAPI is the subset of the OpenAI client the validator depends on.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ContextLog is a recent log line given to the model for comparison.
type ContextLog struct {
	Level   string `json:"level"`
	Service string `json:"service"`
	Message string `json:"message"`
}

// Verdict is the model's assessment of a flagged log entry. When the
// structured call could not be parsed, Fallback is true, Confidence is
// zero and Reasoning carries a free-text explanation instead; the
// Tier-1 flag stays authoritative either way.
type Verdict struct {
	IsAnomaly  bool    `json:"is_anomaly"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Fallback   bool    `json:"-"`
}

// Validator runs Tier-2 semantic validation on flagged anomalies.
type Validator struct {
	api                 ChatAPI
	model               string
	confidenceThreshold float64
	logger              *slog.Logger
	metrics             *observability.Metrics
}

// NewValidator builds a Validator. An empty model uses gpt-4o-mini.
func NewValidator(api ChatAPI, model string, confidenceThreshold float64, logger *slog.Logger, metrics *observability.Metrics) *Validator {
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		api:                 api,
		model:               model,
		confidenceThreshold: confidenceThreshold,
		logger:              logger.With(slog.String("component", "validator")),
		metrics:             metrics,
	}
}

// Validate asks the model whether the log entry is anomalous. The
// structured JSON call is tried first; if its output cannot be parsed
// the validator falls back to a free-text explanation, because a
// flagged anomaly with no human-readable reasoning is an incomplete
// result.
func (v *Validator) Validate(ctx context.Context, message, level, service string, contextLogs []ContextLog) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "anomaly.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("log.level", level),
		attribute.Int("validate.context_logs", len(contextLogs)))

	resp, err := v.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert log analyst. Always respond with valid JSON only, no additional text.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: detectionPrompt(message, level, service, contextLogs),
			},
		},
		MaxTokens:   400,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		v.observe("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("validation call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		v.observe("error")
		span.SetStatus(codes.Error, "no choices")
		return nil, fmt.Errorf("validation returned no choices")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		v.logger.Warn("structured validation unparseable, falling back to free text",
			slog.Any("error", err))
		return v.explain(ctx, message, level, service, contextLogs)
	}

	outcome := "rejected"
	if verdict.IsAnomaly && verdict.Confidence >= v.confidenceThreshold {
		outcome = "confirmed"
	}
	v.observe(outcome)
	v.logger.Debug("semantic validation complete",
		slog.Bool("is_anomaly", verdict.IsAnomaly),
		slog.Float64("confidence", verdict.Confidence))
	return &verdict, nil
}

// Confirms reports whether the verdict corroborates a Tier-1 flag at
// the configured confidence.
func (v *Validator) Confirms(verdict *Verdict) bool {
	return verdict != nil && !verdict.Fallback &&
		verdict.IsAnomaly && verdict.Confidence >= v.confidenceThreshold
}

// explain is the free-text fallback path.
func (v *Validator) explain(ctx context.Context, message, level, service string, contextLogs []ContextLog) (*Verdict, error) {
	resp, err := v.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert log analyst specializing in identifying anomalies and unusual patterns in system logs.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: explanationPrompt(message, level, service, contextLogs),
			},
		},
		MaxTokens:   500,
		Temperature: 0.3,
	})
	if err != nil {
		v.observe("error")
		return nil, fmt.Errorf("fallback explanation failed: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		v.observe("error")
		return nil, fmt.Errorf("fallback explanation returned no content")
	}

	v.observe("fallback")
	return &Verdict{
		Reasoning: resp.Choices[0].Message.Content,
		Fallback:  true,
	}, nil
}

func (v *Validator) observe(outcome string) {
	if v.metrics != nil {
		v.metrics.ValidationsTotal.WithLabelValues(outcome).Inc()
	}
}

func contextSection(contextLogs []ContextLog) string {
	if len(contextLogs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSimilar normal logs for context:\n")
	for i, log := range contextLogs {
		if i >= maxContextLogs {
			break
		}
		level := log.Level
		if level == "" {
			level = "N/A"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, level, log.Message)
	}
	return b.String()
}

func detectionPrompt(message, level, service string, contextLogs []ContextLog) string {
	return fmt.Sprintf(`You are a log analysis expert. Analyze the following log entry and determine if it is anomalous.

Log Entry:
- Level: %s
- Service: %s
- Message: %s%s

Respond in JSON format with the following structure:
{
    "is_anomaly": true/false,
    "confidence": 0.0-1.0,
    "reasoning": "Brief explanation (2-3 sentences) of why this log is or isn't anomalous"
}

Consider:
1. Unusual patterns compared to normal logs
2. Error severity and frequency
3. Context and service behavior
4. Potential security or operational issues`,
		orNA(level), orNA(service), message, contextSection(contextLogs))
}

func explanationPrompt(message, level, service string, contextLogs []ContextLog) string {
	return fmt.Sprintf(`You are a log analysis expert. Analyze the following log entry and explain why it may be anomalous.

Log Entry:
- Level: %s
- Service: %s
- Message: %s%s

Provide a brief analysis covering what makes this log entry unusual, the most likely root causes, and the next investigative step. Be specific and technical.`,
		orNA(level), orNA(service), message, contextSection(contextLogs))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
