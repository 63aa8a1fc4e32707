// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package anomaly implements the two detection tiers.
//
// # Description
//
// Tier 1 is statistical: three interchangeable methods (isolation
// forest, z-score, IQR) score every embedding against the population
// and apply a per-level weight so low-severity logs need far higher
// novelty to be flagged. Every computed score is persisted whether or
// not it crosses the threshold, so the latest verdict is always
// queryable. Tier 2 is semantic: a gated chat-model call that
// annotates flagged points with reasoning. Tier 1's flag stays
// authoritative; Tier 2 only corroborates or contradicts in text.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/siftlog/sift/config"
	"github.com/siftlog/sift/observability"
	"github.com/siftlog/sift/services/storage"
	"github.com/siftlog/sift/services/vectorstore"
)

// Detection method names, stored in AnomalyResult.DetectionMethod.
const (
	MethodIsolationForest = "IsolationForest"
	MethodZScore          = "Z-score"
	MethodIQR             = "IQR"
)

const iqrMultiplier = 1.5

// VectorSource provides the embedding population.
type VectorSource interface {
	ScrollAll(ctx context.Context, max int) ([]vectorstore.Object, error)
	Get(ctx context.Context, logID string) (vectorstore.Object, error)
}

// ResultSink resolves log levels and persists verdicts.
type ResultSink interface {
	LevelsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	UpsertAnomalyResult(ctx context.Context, logEntryID uuid.UUID, update storage.AnomalyUpdate) error
}

// Flag is one anomalous point in a Report.
type Flag struct {
	LogID uuid.UUID `json:"log_id"`
	Score float64   `json:"anomaly_score"`
}

// Report summarizes one bulk scoring pass. Degenerate populations
// (zero variance, zero IQR, too few points) produce an empty Report
// with Error set rather than a failure.
type Report struct {
	Method     string `json:"method"`
	Anomalies  []Flag `json:"anomalies"`
	Total      int    `json:"total"`
	Population int    `json:"population"`
	Error      string `json:"error,omitempty"`
}

// EntryScore is the real-time verdict for one log entry.
type EntryScore struct {
	Score       float64 `json:"anomaly_score"`
	IsAnomaly   bool    `json:"is_anomaly"`
	Statistical bool    `json:"statistical_anomaly"`
	Method      string  `json:"method"`
}

// Scorer runs Tier-1 statistical detection.
type Scorer struct {
	vectors VectorSource
	results ResultSink
	cfg     config.DetectionConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	seed    int64
}

// NewScorer builds a Scorer. The seed fixes isolation forest training
// for reproducible runs.
func NewScorer(vectors VectorSource, results ResultSink, cfg config.DetectionConfig, logger *slog.Logger, metrics *observability.Metrics, seed int64) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		vectors: vectors,
		results: results,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "anomaly")),
		metrics: metrics,
		seed:    seed,
	}
}

// ScoreAll scores the whole embedding population with the given
// method, persists every score and returns the flagged subset.
func (s *Scorer) ScoreAll(ctx context.Context, method string) (Report, error) {
	report := Report{Method: method}

	objs, err := s.vectors.ScrollAll(ctx, 0)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("fetching embeddings: %w", err)
	}

	ids, vectors := validPoints(objs)
	report.Population = len(ids)
	if len(ids) < 2 {
		report.Error = fmt.Sprintf("need at least 2 embeddings, have %d", len(ids))
		return report, nil
	}

	scores, statistical, baseline, skip := s.computeScores(method, vectors)
	if skip != "" {
		report.Error = skip
		s.logger.Warn("skipping scoring pass",
			slog.String("method", method), slog.String("reason", skip))
		return report, nil
	}

	levels, err := s.results.LevelsByIDs(ctx, ids)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("loading levels: %w", err)
	}

	for i, id := range ids {
		level, ok := levels[id]
		if !ok {
			level = "INFO"
		}
		weight := WeightForLevel(level)
		isAnomaly := flagged(statistical[i], scores[i], baseline, weight)

		score := scores[i]
		if err := s.results.UpsertAnomalyResult(ctx, id, storage.AnomalyUpdate{
			AnomalyScore:    &score,
			IsAnomaly:       &isAnomaly,
			DetectionMethod: method,
		}); err != nil {
			return report, fmt.Errorf("persisting score for %s: %w", id, err)
		}

		if isAnomaly {
			report.Anomalies = append(report.Anomalies, Flag{LogID: id, Score: score})
			if s.metrics != nil {
				s.metrics.AnomaliesDetectedTotal.WithLabelValues(method).Inc()
			}
		}
	}
	report.Total = len(report.Anomalies)

	s.logger.Info("scoring pass complete",
		slog.String("method", method),
		slog.Int("population", report.Population),
		slog.Int("anomalies", report.Total))
	return report, nil
}

// ScoreEntry scores one freshly embedded log entry against the
// current population and persists the verdict. Used by the priority
// track immediately after the vector store write.
func (s *Scorer) ScoreEntry(ctx context.Context, logID uuid.UUID, method string) (*EntryScore, error) {
	point, err := s.vectors.Get(ctx, logID.String())
	if err != nil {
		return nil, fmt.Errorf("fetching embedding for %s: %w", logID, err)
	}

	objs, err := s.vectors.ScrollAll(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetching population: %w", err)
	}
	ids, vectors := validPoints(objs)

	// The point itself may not be in the scroll yet; append it so the
	// population statistics always include it.
	target := -1
	for i, id := range ids {
		if id == logID {
			target = i
			break
		}
	}
	if target == -1 {
		ids = append(ids, logID)
		vectors = append(vectors, point.Vector)
		target = len(ids) - 1
	}
	if len(ids) < 2 {
		return nil, fmt.Errorf("need at least 2 embeddings for real-time scoring, have %d", len(ids))
	}

	scores, statistical, baseline, skip := s.computeScores(method, vectors)
	if skip != "" {
		return nil, fmt.Errorf("scoring skipped: %s", skip)
	}

	levels, err := s.results.LevelsByIDs(ctx, []uuid.UUID{logID})
	if err != nil {
		return nil, fmt.Errorf("loading level: %w", err)
	}
	level, ok := levels[logID]
	if !ok {
		level = "INFO"
	}

	weight := WeightForLevel(level)
	entry := &EntryScore{
		Score:       scores[target],
		Statistical: statistical[target],
		Method:      method,
	}
	entry.IsAnomaly = flagged(entry.Statistical, entry.Score, baseline, weight)

	if err := s.results.UpsertAnomalyResult(ctx, logID, storage.AnomalyUpdate{
		AnomalyScore:    &entry.Score,
		IsAnomaly:       &entry.IsAnomaly,
		DetectionMethod: method,
	}); err != nil {
		return nil, fmt.Errorf("persisting verdict for %s: %w", logID, err)
	}

	if entry.IsAnomaly && s.metrics != nil {
		s.metrics.AnomaliesDetectedTotal.WithLabelValues(method).Inc()
	}
	return entry, nil
}

// computeScores runs one statistical method over the population and
// returns per-point scores, per-point statistical flags, the baseline
// used by the level-weight rule, and a non-empty skip reason for
// degenerate populations.
func (s *Scorer) computeScores(method string, vectors [][]float32) (scores []float64, statistical []bool, baseline float64, skip string) {
	switch method {
	case MethodIsolationForest:
		forest := newIsolationForest(vectors, defaultEstimators, defaultSubsample, s.seed)
		scores = make([]float64, len(vectors))
		for i, v := range vectors {
			scores[i] = forest.score(v)
		}
		// Points above the contamination quantile are statistical
		// anomalies; the median is the level-weight baseline.
		cutoff := quantile(scores, 1-defaultContamination)
		statistical = make([]bool, len(vectors))
		for i, sc := range scores {
			statistical[i] = sc >= cutoff
		}
		baseline = quantile(scores, 0.5)
		return scores, statistical, baseline, ""

	case MethodZScore:
		distances := centroidDistances(vectors)
		mean, std := meanStd(distances)
		if std == 0 {
			return nil, nil, 0, "zero standard deviation in centroid distances"
		}
		scores = make([]float64, len(distances))
		statistical = make([]bool, len(distances))
		for i, d := range distances {
			scores[i] = math.Abs((d - mean) / std)
			statistical[i] = scores[i] > s.cfg.AnomalyScoreThreshold
		}
		return scores, statistical, s.cfg.AnomalyScoreThreshold, ""

	case MethodIQR:
		distances := centroidDistances(vectors)
		q1 := quantile(distances, 0.25)
		q3 := quantile(distances, 0.75)
		iqr := q3 - q1
		if iqr == 0 {
			return nil, nil, 0, "zero interquartile range in centroid distances"
		}
		lower := q1 - iqrMultiplier*iqr
		upper := q3 + iqrMultiplier*iqr
		statistical = make([]bool, len(distances))
		for i, d := range distances {
			statistical[i] = d < lower || d > upper
		}
		return distances, statistical, upper, ""

	default:
		return nil, nil, 0, fmt.Sprintf("unknown detection method %q", method)
	}
}

func validPoints(objs []vectorstore.Object) ([]uuid.UUID, [][]float32) {
	var ids []uuid.UUID
	var vectors [][]float32
	for _, obj := range objs {
		if len(obj.Vector) == 0 {
			continue
		}
		id, err := uuid.Parse(obj.LogID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		vectors = append(vectors, obj.Vector)
	}
	return ids, vectors
}

// centroidDistances computes each point's Euclidean distance from the
// population centroid.
func centroidDistances(vectors [][]float32) []float64 {
	dims := len(vectors[0])
	centroid := make([]float64, dims)
	for _, v := range vectors {
		for d, x := range v {
			centroid[d] += float64(x)
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(vectors))
	}

	distances := make([]float64, len(vectors))
	for i, v := range vectors {
		var sum float64
		for d, x := range v {
			diff := float64(x) - centroid[d]
			sum += diff * diff
		}
		distances[i] = math.Sqrt(sum)
	}
	return distances
}

func meanStd(values []float64) (mean, std float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}

// quantile computes the q-th quantile with linear interpolation.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
