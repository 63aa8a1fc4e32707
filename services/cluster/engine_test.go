// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/siftlog/sift/config"
	"github.com/siftlog/sift/services/storage"
	"github.com/siftlog/sift/services/vectorstore"
)

type fakeVectors struct {
	objects     []vectorstore.Object
	assignments map[string]int
}

func (f *fakeVectors) ScrollAll(context.Context, int) ([]vectorstore.Object, error) {
	return f.objects, nil
}

func (f *fakeVectors) SetCluster(_ context.Context, logID string, clusterID int) error {
	if f.assignments == nil {
		f.assignments = map[string]int{}
	}
	f.assignments[logID] = clusterID
	return nil
}

type fakeResults struct {
	anomalyUpdates map[uuid.UUID]storage.AnomalyUpdate
	metadata       map[int]int // cluster id -> size
	rows           map[int]*storage.ClusteringMetadata
	pruneCalls     int
	pruneKeep      []int
}

func (f *fakeResults) UpsertAnomalyResult(_ context.Context, id uuid.UUID, update storage.AnomalyUpdate) error {
	if f.anomalyUpdates == nil {
		f.anomalyUpdates = map[uuid.UUID]storage.AnomalyUpdate{}
	}
	f.anomalyUpdates[id] = update
	return nil
}

func (f *fakeResults) UpsertClusterMetadata(_ context.Context, clusterID, size int, _ []float32, reps []uuid.UUID) error {
	if f.metadata == nil {
		f.metadata = map[int]int{}
	}
	if len(reps) > maxRepresentatives {
		return fmt.Errorf("too many representatives: %d", len(reps))
	}
	f.metadata[clusterID] = size
	return nil
}

func (f *fakeResults) PruneStaleClusters(_ context.Context, keep []int) (int64, error) {
	f.pruneCalls++
	f.pruneKeep = keep
	return 0, nil
}

func (f *fakeResults) GetClusterMetadata(_ context.Context, clusterID int) (*storage.ClusteringMetadata, error) {
	row, ok := f.rows[clusterID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

func (f *fakeResults) GetAnomalyResult(_ context.Context, id uuid.UUID) (*storage.AnomalyResult, error) {
	update, ok := f.anomalyUpdates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.AnomalyResult{LogEntryID: id, ClusterID: update.ClusterID}, nil
}

// blobObjects builds two separable groups of six embeddings each.
func blobObjects() []vectorstore.Object {
	var objs []vectorstore.Object
	for i := 0; i < 6; i++ {
		objs = append(objs, vectorstore.Object{
			LogID:  uuid.New().String(),
			Vector: []float32{1, 0.001 * float32(i+1), 0},
		})
	}
	for i := 0; i < 6; i++ {
		objs = append(objs, vectorstore.Object{
			LogID:  uuid.New().String(),
			Vector: []float32{0.001 * float32(i+1), 1, 0},
		})
	}
	return objs
}

func testClusterConfig() config.ClusteringConfig {
	return config.ClusteringConfig{
		MinClusterSize: 4,
		MinSamples:     3,
		MaxEmbeddings:  20000,
	}
}

func TestEngineRun(t *testing.T) {
	vectors := &fakeVectors{objects: blobObjects()}
	results := &fakeResults{}
	engine := NewEngine(vectors, results, testClusterConfig(), nil, nil, 42)

	res, err := engine.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, res.Error)

	assert.Equal(t, 12, res.TotalEmbeddings)
	assert.Equal(t, 12, res.Sampled)
	assert.Equal(t, 2, res.Clusters)
	assert.Zero(t, res.Outliers)

	assert.Len(t, vectors.assignments, 12, "every sampled object gets a vector store assignment")
	assert.Len(t, results.anomalyUpdates, 12)
	for _, update := range results.anomalyUpdates {
		require.NotNil(t, update.ClusterID)
		assert.Contains(t, []int{0, 1}, *update.ClusterID)
	}

	require.Len(t, results.metadata, 2)
	assert.Equal(t, 6, results.metadata[0])
	assert.Equal(t, 6, results.metadata[1])

	assert.Zero(t, results.pruneCalls, "pruning stays off unless configured")
}

func TestEngineRunPersistsVerdicts(t *testing.T) {
	lone := vectorstore.Object{
		LogID:  uuid.New().String(),
		Vector: []float32{0, 0, 1},
	}
	vectors := &fakeVectors{objects: append(blobObjects(), lone)}
	results := &fakeResults{}
	engine := NewEngine(vectors, results, testClusterConfig(), nil, nil, 42)

	res, err := engine.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, res.Outliers)

	loneID := uuid.MustParse(lone.LogID)
	require.Len(t, results.anomalyUpdates, 13)
	for id, update := range results.anomalyUpdates {
		assert.Equal(t, MethodName, update.DetectionMethod, "every assignment names its method")
		require.NotNil(t, update.IsAnomalyIfNew)
		assert.Equal(t, id == loneID, *update.IsAnomalyIfNew, "only the outlier is flagged")
	}

	loneUpdate := results.anomalyUpdates[loneID]
	require.NotNil(t, loneUpdate.ClusterID)
	assert.Equal(t, Outlier, *loneUpdate.ClusterID)
	assert.Nil(t, loneUpdate.IsAnomaly, "an existing statistical verdict must survive the pass")
}

func TestEngineRunIdempotent(t *testing.T) {
	objs := blobObjects()

	run := func() map[string]int {
		vectors := &fakeVectors{objects: objs}
		results := &fakeResults{}
		engine := NewEngine(vectors, results, testClusterConfig(), nil, nil, 42)
		_, err := engine.Run(context.Background(), 0)
		require.NoError(t, err)
		return vectors.assignments
	}

	assert.Equal(t, run(), run(), "fixed seed and dataset give identical assignments")
}

func TestEngineRunInsufficientData(t *testing.T) {
	vectors := &fakeVectors{objects: blobObjects()[:2]}
	results := &fakeResults{}
	engine := NewEngine(vectors, results, testClusterConfig(), nil, nil, 42)

	res, err := engine.Run(context.Background(), 0)
	require.NoError(t, err, "an undersized dataset is not an infrastructure failure")
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 2, res.TotalEmbeddings)

	assert.Empty(t, vectors.assignments)
	assert.Empty(t, results.anomalyUpdates)
}

func TestEngineSampling(t *testing.T) {
	// 30 objects with a cap of 10: the pass runs on a seeded sample.
	var objs []vectorstore.Object
	for i := 0; i < 30; i++ {
		objs = append(objs, vectorstore.Object{
			LogID:  uuid.New().String(),
			Vector: []float32{1, 0.001 * float32(i+1), 0},
		})
	}

	cfg := testClusterConfig()
	vectors := &fakeVectors{objects: objs}
	engine := NewEngine(vectors, &fakeResults{}, cfg, nil, nil, 7)

	res, err := engine.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 30, res.TotalEmbeddings)
	assert.Equal(t, 10, res.Sampled)
	assert.Len(t, vectors.assignments, 10)
}

func TestEngineInfo(t *testing.T) {
	repA, repB := uuid.New(), uuid.New()
	results := &fakeResults{
		rows: map[int]*storage.ClusteringMetadata{
			3: {
				ClusterID:          3,
				ClusterSize:        42,
				RepresentativeLogs: datatypes.JSON(fmt.Sprintf(`["%s", "%s"]`, repA, repB)),
			},
		},
	}
	engine := NewEngine(&fakeVectors{}, results, testClusterConfig(), nil, nil, 42)

	t.Run("known cluster", func(t *testing.T) {
		info, err := engine.Info(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, 3, info.ClusterID)
		assert.Equal(t, 42, info.Size)
		assert.False(t, info.IsOutlier)
		assert.Equal(t, []uuid.UUID{repA, repB}, info.Representatives)
	})

	t.Run("outlier label has no metadata row", func(t *testing.T) {
		info, err := engine.Info(context.Background(), Outlier)
		require.NoError(t, err)
		assert.True(t, info.IsOutlier)
		assert.Equal(t, Outlier, info.ClusterID)
		assert.Zero(t, info.Size)
	})

	t.Run("unknown cluster", func(t *testing.T) {
		_, err := engine.Info(context.Background(), 99)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestEngineInfoForLog(t *testing.T) {
	logID := uuid.New()
	clusterID := 3
	results := &fakeResults{
		anomalyUpdates: map[uuid.UUID]storage.AnomalyUpdate{
			logID:      {ClusterID: &clusterID},
			uuid.New(): {},
		},
		rows: map[int]*storage.ClusteringMetadata{
			3: {ClusterID: 3, ClusterSize: 7},
		},
	}
	engine := NewEngine(&fakeVectors{}, results, testClusterConfig(), nil, nil, 42)

	info, err := engine.InfoForLog(context.Background(), logID)
	require.NoError(t, err)
	assert.Equal(t, 3, info.ClusterID)
	assert.Equal(t, 7, info.Size)

	t.Run("never scored", func(t *testing.T) {
		_, err := engine.InfoForLog(context.Background(), uuid.New())
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("scored but never clustered", func(t *testing.T) {
		var unclustered uuid.UUID
		for id, update := range results.anomalyUpdates {
			if update.ClusterID == nil {
				unclustered = id
			}
		}
		_, err := engine.InfoForLog(context.Background(), unclustered)
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestEnginePruneStale(t *testing.T) {
	cfg := testClusterConfig()
	cfg.PruneStale = true
	vectors := &fakeVectors{objects: blobObjects()}
	results := &fakeResults{}
	engine := NewEngine(vectors, results, cfg, nil, nil, 42)

	_, err := engine.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, results.pruneCalls)
	assert.ElementsMatch(t, []int{0, 1}, results.pruneKeep)
}