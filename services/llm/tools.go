// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/siftlog/sift/services/anomaly"
	"github.com/siftlog/sift/services/vectorstore"
)

// Tool names form the closed set of operations the registry accepts.
const (
	ToolDetectAnomaly  = "detect_anomaly"
	ToolFindSimilar    = "find_similar"
	ToolAnalyzeAnomaly = "analyze_anomaly"
)

// ErrUnknownTool is returned when a dispatch names a tool outside the
// registered set.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one named operation. Arguments arrive as raw JSON and each
// implementation owns its own argument schema.
type Tool interface {
	Name() string
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Registry dispatches tool calls by tag.
type Registry struct {
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry builds a registry over the given tools. Duplicate names
// are a programming error and rejected.
func NewRegistry(logger *slog.Logger, tools ...Tool) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		logger: logger.With(slog.String("component", "tool_registry")),
	}
	for _, t := range tools {
		if _, ok := r.tools[t.Name()]; ok {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r, nil
}

// Dispatch invokes the named tool with the given arguments.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownTool, name, strings.Join(r.Names(), ", "))
	}
	r.logger.Debug("dispatching tool", slog.String("tool", name))
	out, err := tool.Call(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}

// Names lists the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VectorSearch is the embedding lookup surface the tools depend on.
type VectorSearch interface {
	Get(ctx context.Context, logID string) (vectorstore.Object, error)
	Search(ctx context.Context, vector []float32, limit int, minCertainty float64, filter vectorstore.Filter) ([]vectorstore.Hit, error)
}

// Detector runs one bulk statistical scoring pass.
type Detector interface {
	ScoreAll(ctx context.Context, method string) (anomaly.Report, error)
}

// SimilarLog is one find_similar result.
type SimilarLog struct {
	LogID     string  `json:"log_id"`
	Level     string  `json:"level"`
	Service   string  `json:"service"`
	Message   string  `json:"message"`
	Certainty float64 `json:"certainty"`
}

type findSimilarArgs struct {
	LogID        string  `json:"log_id"`
	Limit        int     `json:"limit"`
	MinCertainty float64 `json:"min_certainty"`
	Level        string  `json:"level"`
	Service      string  `json:"service"`
}

type findSimilarTool struct {
	vectors VectorSearch
}

// NewFindSimilarTool returns the tool that looks up a stored log and
// searches for its nearest neighbors.
func NewFindSimilarTool(vectors VectorSearch) Tool {
	return &findSimilarTool{vectors: vectors}
}

func (t *findSimilarTool) Name() string { return ToolFindSimilar }

func (t *findSimilarTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in findSimilarArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.LogID == "" {
		return nil, fmt.Errorf("log_id is required")
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}

	obj, err := t.vectors.Get(ctx, in.LogID)
	if err != nil {
		return nil, fmt.Errorf("fetching query log: %w", err)
	}
	// One extra slot because the query log matches itself.
	hits, err := t.vectors.Search(ctx, obj.Vector, in.Limit+1, in.MinCertainty,
		vectorstore.Filter{Level: in.Level, Service: in.Service})
	if err != nil {
		return nil, fmt.Errorf("searching neighbors: %w", err)
	}

	similar := make([]SimilarLog, 0, in.Limit)
	for _, hit := range hits {
		if hit.LogID == in.LogID {
			continue
		}
		similar = append(similar, SimilarLog{
			LogID:     hit.LogID,
			Level:     hit.Level,
			Service:   hit.Service,
			Message:   hit.Message,
			Certainty: hit.Certainty,
		})
		if len(similar) == in.Limit {
			break
		}
	}
	return similar, nil
}

type detectAnomalyArgs struct {
	Method string `json:"method"`
}

type detectAnomalyTool struct {
	detector Detector
}

// NewDetectAnomalyTool returns the tool that runs one bulk scoring
// pass. An empty method defaults to the isolation forest.
func NewDetectAnomalyTool(detector Detector) Tool {
	return &detectAnomalyTool{detector: detector}
}

func (t *detectAnomalyTool) Name() string { return ToolDetectAnomaly }

func (t *detectAnomalyTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in detectAnomalyArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	switch in.Method {
	case "":
		in.Method = anomaly.MethodIsolationForest
	case anomaly.MethodIsolationForest, anomaly.MethodZScore, anomaly.MethodIQR:
	default:
		return nil, fmt.Errorf("unknown method %q", in.Method)
	}
	return t.detector.ScoreAll(ctx, in.Method)
}

// Analysis is the structured root-cause assessment of one log entry.
// When the structured call could not be parsed, Fallback is true and
// Summary carries the model's free-text answer.
type Analysis struct {
	LogID         string `json:"log_id"`
	Summary       string `json:"summary"`
	ProbableCause string `json:"probable_cause"`
	NextStep      string `json:"next_step"`
	Severity      string `json:"severity"`
	Fallback      bool   `json:"fallback,omitempty"`
}

type analyzeAnomalyArgs struct {
	LogID string `json:"log_id"`
}

type analyzeAnomalyTool struct {
	client  *Client
	vectors VectorSearch
	logger  *slog.Logger
}

// NewAnalyzeAnomalyTool returns the tool that produces a root-cause
// analysis for one stored log, using its nearest neighbors as context.
func NewAnalyzeAnomalyTool(client *Client, vectors VectorSearch, logger *slog.Logger) Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &analyzeAnomalyTool{
		client:  client,
		vectors: vectors,
		logger:  logger.With(slog.String("component", "analyze_anomaly")),
	}
}

func (t *analyzeAnomalyTool) Name() string { return ToolAnalyzeAnomaly }

func (t *analyzeAnomalyTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in analyzeAnomalyArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.LogID == "" {
		return nil, fmt.Errorf("log_id is required")
	}

	obj, err := t.vectors.Get(ctx, in.LogID)
	if err != nil {
		return nil, fmt.Errorf("fetching log: %w", err)
	}
	neighbors, err := t.vectors.Search(ctx, obj.Vector, 6, 0, vectorstore.Filter{})
	if err != nil {
		t.logger.Warn("neighbor search failed, analysing without context",
			slog.Any("error", err))
		neighbors = nil
	}

	prompt := analysisPrompt(obj, neighbors)
	temp := float32(0.2)
	maxTokens := 500

	var analysis Analysis
	_, err = t.client.GenerateJSON(ctx, analysisSystemPrompt, prompt,
		GenerationParams{Temperature: &temp, MaxTokens: &maxTokens}, &analysis)
	if err == nil {
		analysis.LogID = in.LogID
		return analysis, nil
	}

	t.logger.Warn("structured analysis unparseable, falling back to free text",
		slog.Any("error", err))
	text, err := t.client.Generate(ctx, analysisSystemPrompt, prompt,
		GenerationParams{Temperature: &temp, MaxTokens: &maxTokens})
	if err != nil {
		return nil, fmt.Errorf("fallback analysis failed: %w", err)
	}
	return Analysis{LogID: in.LogID, Summary: text, Fallback: true}, nil
}

const analysisSystemPrompt = "You are an expert log analyst specializing in root-cause analysis of system anomalies."

func analysisPrompt(obj vectorstore.Object, neighbors []vectorstore.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Analyze the following log entry and assess its root cause.

Log Entry:
- Level: %s
- Service: %s
- Message: %s
`, orNA(obj.Level), orNA(obj.Service), obj.Message)

	written := 0
	for _, hit := range neighbors {
		if hit.LogID == obj.LogID {
			continue
		}
		if written == 0 {
			b.WriteString("\nSimilar logs for context:\n")
		}
		written++
		fmt.Fprintf(&b, "%d. [%s] %s\n", written, orNA(hit.Level), hit.Message)
		if written == 5 {
			break
		}
	}

	b.WriteString(`
Respond in JSON format with the following structure:
{
    "summary": "What happened, in 1-2 sentences",
    "probable_cause": "The most likely root cause",
    "next_step": "The next investigative or remediation step",
    "severity": "low/medium/high/critical"
}`)
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
