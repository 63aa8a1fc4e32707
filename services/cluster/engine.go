// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cluster groups log embeddings into behavioral patterns.
//
// # Description
//
// Engine pulls every stored embedding out of the vector store, samples
// it down to a workable size, runs HDBSCAN over cosine distance and
// persists the outcome in two places: per-log cluster assignments (in
// both Postgres and the vector store) and per-cluster metadata rows
// holding the centroid and up to ten representative log ids. Points in
// no dense region keep the Outlier label. Re-running a pass overwrites
// earlier assignments, so clustering is idempotent for a fixed seed
// and dataset.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/siftlog/sift/config"
	"github.com/siftlog/sift/observability"
	"github.com/siftlog/sift/services/storage"
	"github.com/siftlog/sift/services/vectorstore"
)

// MethodName identifies cluster assignments in anomaly results.
const MethodName = "HDBSCAN"

const maxRepresentatives = 10

// VectorSource provides embeddings and accepts cluster assignments.
type VectorSource interface {
	ScrollAll(ctx context.Context, max int) ([]vectorstore.Object, error)
	SetCluster(ctx context.Context, logID string, clusterID int) error
}

// ResultStore persists cluster assignments and metadata.
type ResultStore interface {
	UpsertAnomalyResult(ctx context.Context, logEntryID uuid.UUID, update storage.AnomalyUpdate) error
	UpsertClusterMetadata(ctx context.Context, clusterID, size int, centroid []float32, representatives []uuid.UUID) error
	PruneStaleClusters(ctx context.Context, keep []int) (int64, error)
	GetClusterMetadata(ctx context.Context, clusterID int) (*storage.ClusteringMetadata, error)
	GetAnomalyResult(ctx context.Context, logEntryID uuid.UUID) (*storage.AnomalyResult, error)
}

// Result summarizes one clustering pass. A pass that cannot run, for
// example with too few embeddings, reports why in Error instead of
// failing the caller.
type Result struct {
	TotalEmbeddings int           `json:"total_embeddings"`
	Sampled         int           `json:"sampled"`
	Clusters        int           `json:"clusters"`
	Outliers        int           `json:"outliers"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// Engine runs clustering passes.
type Engine struct {
	vectors VectorSource
	results ResultStore
	cfg     config.ClusteringConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	seed    int64
}

// NewEngine builds an Engine. A non-zero seed makes sampling
// deterministic.
func NewEngine(vectors VectorSource, results ResultStore, cfg config.ClusteringConfig, logger *slog.Logger, metrics *observability.Metrics, seed int64) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		vectors: vectors,
		results: results,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "cluster")),
		metrics: metrics,
		seed:    seed,
	}
}

// Run executes one full clustering pass. sampleSize caps how many
// embeddings participate; zero means the configured maximum. The
// returned error covers infrastructure failures only; an undersized
// dataset yields a Result with Error set and a nil error.
func (e *Engine) Run(ctx context.Context, sampleSize int) (Result, error) {
	start := time.Now()
	res, err := e.run(ctx, sampleSize)
	res.Duration = time.Since(start)

	if e.metrics != nil {
		status := "success"
		if err != nil || res.Error != "" {
			status = "error"
		}
		e.metrics.ClusteringRunsTotal.WithLabelValues(status).Inc()
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, sampleSize int) (Result, error) {
	objs, err := e.vectors.ScrollAll(ctx, 0)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("fetching embeddings: %w", err)
	}

	res := Result{TotalEmbeddings: len(objs)}
	if len(objs) < e.cfg.MinClusterSize {
		res.Error = fmt.Sprintf("need at least %d embeddings, have %d", e.cfg.MinClusterSize, len(objs))
		e.logger.Info("skipping clustering pass", slog.String("reason", res.Error))
		return res, nil
	}

	sampled := e.sample(objs, sampleSize)
	res.Sampled = len(sampled)

	vectors := make([][]float32, len(sampled))
	for i, obj := range sampled {
		vectors[i] = obj.Vector
	}
	labels := hdbscanLabels(normalize(vectors), e.cfg.MinClusterSize, e.cfg.MinSamples)

	members := map[int][]int{}
	for i, label := range labels {
		if label == Outlier {
			res.Outliers++
			continue
		}
		members[label] = append(members[label], i)
	}
	res.Clusters = len(members)

	e.logger.Info("clustering pass complete",
		slog.Int("total", res.TotalEmbeddings),
		slog.Int("sampled", res.Sampled),
		slog.Int("clusters", res.Clusters),
		slog.Int("outliers", res.Outliers))

	if err := e.persist(ctx, sampled, labels, members); err != nil {
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// sample picks a random subset when the dataset exceeds the caller's
// cap or the configured memory ceiling. Order within the sample stays
// stable so a fixed seed yields identical passes.
func (e *Engine) sample(objs []vectorstore.Object, sampleSize int) []vectorstore.Object {
	limit := e.cfg.MaxEmbeddings
	if sampleSize > 0 && sampleSize < limit {
		limit = sampleSize
	}
	if limit <= 0 || len(objs) <= limit {
		return objs
	}

	seed := e.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	idxs := rng.Perm(len(objs))[:limit]
	sort.Ints(idxs)

	sampled := make([]vectorstore.Object, limit)
	for i, idx := range idxs {
		sampled[i] = objs[idx]
	}
	return sampled
}

func (e *Engine) persist(ctx context.Context, sampled []vectorstore.Object, labels []int, members map[int][]int) error {
	// Per-log assignments go to both stores. Postgres rows are joined
	// by detectors; the vector store copy serves similarity queries.
	for i, obj := range sampled {
		label := labels[i]
		if err := e.vectors.SetCluster(ctx, obj.LogID, label); err != nil {
			return fmt.Errorf("updating vector cluster for %s: %w", obj.LogID, err)
		}

		logID, err := uuid.Parse(obj.LogID)
		if err != nil {
			e.logger.Warn("skipping assignment for malformed log id", slog.String("log_id", obj.LogID))
			continue
		}
		clusterID := label
		isOutlier := label == Outlier
		if err := e.results.UpsertAnomalyResult(ctx, logID, storage.AnomalyUpdate{
			ClusterID:       &clusterID,
			DetectionMethod: MethodName,
			IsAnomalyIfNew:  &isOutlier,
		}); err != nil {
			return fmt.Errorf("persisting assignment for %s: %w", obj.LogID, err)
		}
	}

	clusterIDs := make([]int, 0, len(members))
	for label := range members {
		clusterIDs = append(clusterIDs, label)
	}
	sort.Ints(clusterIDs)

	for _, label := range clusterIDs {
		idxs := members[label]
		centroid := centroidOf(sampled, idxs)
		reps := e.representatives(sampled, idxs, centroid)
		if err := e.results.UpsertClusterMetadata(ctx, label, len(idxs), centroid, reps); err != nil {
			return fmt.Errorf("persisting metadata for cluster %d: %w", label, err)
		}
	}

	if e.cfg.PruneStale {
		pruned, err := e.results.PruneStaleClusters(ctx, clusterIDs)
		if err != nil {
			return fmt.Errorf("pruning stale clusters: %w", err)
		}
		if pruned > 0 {
			e.logger.Info("pruned stale cluster metadata", slog.Int64("rows", pruned))
		}
	}
	return nil
}

// Info describes one cluster as of the run that last touched it.
type Info struct {
	ClusterID       int         `json:"cluster_id"`
	IsOutlier       bool        `json:"is_outlier"`
	Size            int         `json:"size"`
	Representatives []uuid.UUID `json:"representative_logs,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Info looks up the metadata for one cluster id. The outlier label has
// no metadata row; it reports as an outlier group of unknown size.
func (e *Engine) Info(ctx context.Context, clusterID int) (Info, error) {
	if clusterID == Outlier {
		return Info{ClusterID: Outlier, IsOutlier: true}, nil
	}

	meta, err := e.results.GetClusterMetadata(ctx, clusterID)
	if err != nil {
		return Info{}, fmt.Errorf("cluster %d: %w", clusterID, err)
	}

	var repIDs []string
	if len(meta.RepresentativeLogs) > 0 {
		if err := json.Unmarshal(meta.RepresentativeLogs, &repIDs); err != nil {
			return Info{}, fmt.Errorf("cluster %d representatives: %w", clusterID, err)
		}
	}
	reps := make([]uuid.UUID, 0, len(repIDs))
	for _, raw := range repIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		reps = append(reps, id)
	}

	return Info{
		ClusterID:       meta.ClusterID,
		Size:            meta.ClusterSize,
		Representatives: reps,
		UpdatedAt:       meta.UpdatedAt,
	}, nil
}

// InfoForLog resolves a log entry's current cluster assignment.
func (e *Engine) InfoForLog(ctx context.Context, logID uuid.UUID) (Info, error) {
	res, err := e.results.GetAnomalyResult(ctx, logID)
	if err != nil {
		return Info{}, fmt.Errorf("assignment for %s: %w", logID, err)
	}
	if res.ClusterID == nil {
		return Info{}, fmt.Errorf("log %s has no cluster assignment: %w", logID, storage.ErrNotFound)
	}
	return e.Info(ctx, *res.ClusterID)
}

// centroidOf averages the member vectors.
func centroidOf(objs []vectorstore.Object, idxs []int) []float32 {
	if len(idxs) == 0 {
		return nil
	}
	dims := len(objs[idxs[0]].Vector)
	sum := make([]float64, dims)
	for _, i := range idxs {
		for d, v := range objs[i].Vector {
			sum[d] += float64(v)
		}
	}
	centroid := make([]float32, dims)
	for d := range sum {
		centroid[d] = float32(sum[d] / float64(len(idxs)))
	}
	return centroid
}

// representatives returns up to maxRepresentatives member log ids
// ordered by proximity to the centroid.
func (e *Engine) representatives(objs []vectorstore.Object, idxs []int, centroid []float32) []uuid.UUID {
	type scored struct {
		idx  int
		dist float64
	}
	ranked := make([]scored, 0, len(idxs))
	normCentroid := normalize([][]float32{centroid})[0]
	for _, i := range idxs {
		norm := normalize([][]float32{objs[i].Vector})[0]
		ranked = append(ranked, scored{idx: i, dist: cosineDistance(norm, normCentroid)})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].dist != ranked[b].dist {
			return ranked[a].dist < ranked[b].dist
		}
		return ranked[a].idx < ranked[b].idx
	})

	limit := maxRepresentatives
	if len(ranked) < limit {
		limit = len(ranked)
	}
	reps := make([]uuid.UUID, 0, limit)
	for _, r := range ranked[:limit] {
		id, err := uuid.Parse(objs[r.idx].LogID)
		if err != nil {
			continue
		}
		reps = append(reps, id)
	}
	return reps
}
