// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftlog/sift/config"
	"github.com/siftlog/sift/services/anomaly"
	"github.com/siftlog/sift/services/embedding"
	"github.com/siftlog/sift/services/storage"
	"github.com/siftlog/sift/services/transport"
	"github.com/siftlog/sift/services/vectorstore"
)

type fakeConsumer struct {
	records [][]byte
}

func (f *fakeConsumer) Consume(ctx context.Context, handler transport.Handler) error {
	for _, rec := range f.records {
		if err := handler(ctx, nil, rec); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, _, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, value)
	return nil
}

type fakeDurable struct {
	mu      sync.Mutex
	entries []*storage.LogEntry
	upserts map[uuid.UUID]storage.AnomalyUpdate
	saveErr error
}

func (f *fakeDurable) SaveLogEntry(_ context.Context, entry *storage.LogEntry) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return uuid.Nil, f.saveErr
	}
	entry.ID = uuid.New()
	f.entries = append(f.entries, entry)
	return entry.ID, nil
}

func (f *fakeDurable) UpsertAnomalyResult(_ context.Context, id uuid.UUID, update storage.AnomalyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserts == nil {
		f.upserts = map[uuid.UUID]storage.AnomalyUpdate{}
	}
	f.upserts[id] = update
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]embedding.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, texts)
	results := make([]embedding.Result, len(texts))
	for i, text := range texts {
		if text == "" {
			continue
		}
		results[i] = embedding.Result{
			Vector:  []float32{float32(i + 1), 0, 0},
			Model:   "text-embedding-3-small",
			Tokens:  len(text) / 4,
			CostUSD: 1e-9,
		}
	}
	return results, nil
}

type fakeVecStore struct {
	mu      sync.Mutex
	objects []vectorstore.Object
	hits    []vectorstore.Hit
}

func (f *fakeVecStore) Upsert(_ context.Context, obj vectorstore.Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects = append(f.objects, obj)
	return nil
}

func (f *fakeVecStore) Search(context.Context, []float32, int, float64, vectorstore.Filter) ([]vectorstore.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits, nil
}

type fakeScorer struct {
	mu     sync.Mutex
	scored []uuid.UUID
	entry  anomaly.EntryScore
	err    error
}

func (f *fakeScorer) ScoreEntry(_ context.Context, logID uuid.UUID, method string) (*anomaly.EntryScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.scored = append(f.scored, logID)
	entry := f.entry
	entry.Method = method
	return &entry, nil
}

type fakeValidator struct {
	mu        sync.Mutex
	validated []string
	verdict   anomaly.Verdict
	err       error
}

func (f *fakeValidator) Validate(_ context.Context, message, _, _ string, _ []anomaly.ContextLog) (*anomaly.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.validated = append(f.validated, message)
	verdict := f.verdict
	return &verdict, nil
}

func (f *fakeValidator) Confirms(verdict *anomaly.Verdict) bool {
	return verdict != nil && !verdict.Fallback && verdict.IsAnomaly && verdict.Confidence >= 0.7
}

type pipelineFixture struct {
	pipeline  *Pipeline
	consumer  *fakeConsumer
	publisher *fakePublisher
	durable   *fakeDurable
	embedder  *fakeEmbedder
	vectors   *fakeVecStore
	scorer    *fakeScorer
	validator *fakeValidator
}

func newFixture(t *testing.T, mutate func(*Options)) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		consumer:  &fakeConsumer{},
		publisher: &fakePublisher{},
		durable:   &fakeDurable{},
		embedder:  &fakeEmbedder{},
		vectors:   &fakeVecStore{},
		scorer:    &fakeScorer{},
		validator: &fakeValidator{},
	}
	cfg := config.Default()
	opts := Options{
		Consumer:  f.consumer,
		Publisher: f.publisher,
		Store:     f.durable,
		Embedder:  f.embedder,
		Vectors:   f.vectors,
		Scorer:    f.scorer,
		Validator: f.validator,
		Pipeline:  cfg.Pipeline,
		Detection: cfg.Detection,
		Redaction: cfg.Redaction,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func TestHandleRawFastTrack(t *testing.T) {
	f := newFixture(t, nil)

	raw := []byte(`{"message": "ERROR: user jane@example.com failed login from 10.0.0.5", "level": null}`)
	require.NoError(t, f.pipeline.HandleRaw(context.Background(), nil, raw))

	require.Len(t, f.durable.entries, 1)
	entry := f.durable.entries[0]
	assert.Equal(t, "ERROR", entry.Level)
	assert.Contains(t, entry.Message, "[EMAIL]")
	assert.Contains(t, entry.Message, "[IP]")
	assert.NotContains(t, entry.Message, "jane@example.com")
	assert.NotContains(t, entry.Message, "10.0.0.5")
	assert.True(t, entry.PIIRedacted)
	assert.Equal(t, string(raw), entry.RawLog, "the raw record is kept for audit")

	require.Len(t, f.publisher.published, 1)
	assert.Contains(t, string(f.publisher.published[0]), "[EMAIL]")
	assert.NotContains(t, string(f.publisher.published[0]), "jane@example.com")

	assert.Equal(t, 1, f.pipeline.QueueDepth(), "ERROR qualifies for the priority track")
}

func TestHandleRawEdgeCases(t *testing.T) {
	t.Run("unparseable record is dropped, not retried", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.pipeline.HandleRaw(context.Background(), nil, []byte("not json")))
		assert.Empty(t, f.durable.entries)
	})

	t.Run("durable write failure propagates", func(t *testing.T) {
		f := newFixture(t, nil)
		f.durable.saveErr = errors.New("connection reset")
		err := f.pipeline.HandleRaw(context.Background(), nil, []byte(`{"message":"ERROR: x"}`))
		assert.ErrorContains(t, err, "fast-track write")
		assert.Empty(t, f.publisher.published)
		assert.Zero(t, f.pipeline.QueueDepth())
	})

	t.Run("publish failure does not undo the fast track", func(t *testing.T) {
		f := newFixture(t, nil)
		f.publisher.err = errors.New("no brokers")
		require.NoError(t, f.pipeline.HandleRaw(context.Background(), nil, []byte(`{"message":"ERROR: x"}`)))
		assert.Len(t, f.durable.entries, 1)
		assert.Equal(t, 1, f.pipeline.QueueDepth())
	})

	t.Run("info records skip the priority track", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.pipeline.HandleRaw(context.Background(), nil, []byte(`{"message":"INFO: healthy"}`)))
		assert.Len(t, f.durable.entries, 1)
		assert.Zero(t, f.pipeline.QueueDepth())
	})

	t.Run("disabled priority track enqueues nothing", func(t *testing.T) {
		disabled := false
		f := newFixture(t, func(o *Options) {
			o.Pipeline.EmbeddingEnabled = &disabled
		})
		require.NoError(t, f.pipeline.HandleRaw(context.Background(), nil, []byte(`{"message":"ERROR: x"}`)))
		assert.Len(t, f.durable.entries, 1)
		assert.Zero(t, f.pipeline.QueueDepth())
	})
}

func TestTakeBatchTriggers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newQueued := func(t *testing.T, n int) *pipelineFixture {
		t.Helper()
		f := newFixture(t, func(o *Options) {
			o.Pipeline.BatchSize = 5
			o.Pipeline.BatchTimeout = 30 * time.Second
		})
		f.pipeline.now = func() time.Time { return now }
		f.pipeline.lastFlush = now
		for i := 0; i < n; i++ {
			f.pipeline.enqueue(Item{LogID: uuid.New(), Message: "m"})
		}
		return f
	}

	t.Run("size trigger fires before the timeout", func(t *testing.T) {
		f := newQueued(t, 5)
		batch, trigger := f.pipeline.takeBatch()
		assert.Equal(t, "size", trigger)
		assert.Len(t, batch, 5)
		assert.Zero(t, f.pipeline.QueueDepth())
	})

	t.Run("size trigger leaves the overflow queued", func(t *testing.T) {
		f := newQueued(t, 7)
		batch, trigger := f.pipeline.takeBatch()
		assert.Equal(t, "size", trigger)
		assert.Len(t, batch, 5)
		assert.Equal(t, 2, f.pipeline.QueueDepth())
	})

	t.Run("below batch size waits for the timeout", func(t *testing.T) {
		f := newQueued(t, 3)
		batch, trigger := f.pipeline.takeBatch()
		assert.Empty(t, batch)
		assert.Empty(t, trigger)

		now = now.Add(31 * time.Second)
		defer func() { now = now.Add(-31 * time.Second) }()
		batch, trigger = f.pipeline.takeBatch()
		assert.Equal(t, "timeout", trigger)
		assert.Len(t, batch, 3)
	})

	t.Run("empty queue resets the timeout clock", func(t *testing.T) {
		f := newQueued(t, 0)
		batch, trigger := f.pipeline.takeBatch()
		assert.Empty(t, batch)
		assert.Empty(t, trigger)
	})
}

func TestProcessBatch(t *testing.T) {
	t.Run("stores vectors with provenance and scores every item", func(t *testing.T) {
		f := newFixture(t, nil)
		f.scorer.entry = anomaly.EntryScore{Score: 1.0, IsAnomaly: false, Statistical: false}

		batch := []Item{
			{LogID: uuid.New(), Message: "ERROR: one", Level: "ERROR", Service: "api", PIIRedacted: true},
			{LogID: uuid.New(), Message: "ERROR: two", Level: "ERROR", Service: "api"},
		}
		f.pipeline.processBatch(context.Background(), batch, "size")

		require.Len(t, f.embedder.calls, 1, "the batch is embedded in one call")
		require.Len(t, f.vectors.objects, 2)
		require.Len(t, f.scorer.scored, 2)
		assert.Empty(t, f.validator.validated, "unflagged entries skip tier 2")

		var redactedObj vectorstore.Object
		for _, obj := range f.vectors.objects {
			if obj.LogID == batch[0].LogID.String() {
				redactedObj = obj
			}
		}
		assert.True(t, redactedObj.PIIRedacted)
		assert.Equal(t, "text-embedding-3-small", redactedObj.EmbeddingModel)
		assert.Equal(t, vectorstore.OutlierCluster, redactedObj.ClusterID)
	})

	t.Run("flagged entries above the gate are validated", func(t *testing.T) {
		f := newFixture(t, nil)
		f.scorer.entry = anomaly.EntryScore{Score: 4.2, IsAnomaly: true, Statistical: true}
		f.validator.verdict = anomaly.Verdict{IsAnomaly: true, Confidence: 0.9, Reasoning: "novel failure mode"}

		id := uuid.New()
		f.pipeline.processBatch(context.Background(), []Item{
			{LogID: id, Message: "ERROR: oom", Level: "ERROR", Service: "api"},
		}, "timeout")

		require.Len(t, f.validator.validated, 1)
		update, ok := f.durable.upserts[id]
		require.True(t, ok, "the reasoning is stored")
		require.NotNil(t, update.LLMReasoning)
		assert.Equal(t, "novel failure mode", *update.LLMReasoning)
	})

	t.Run("flagged entries below the gate skip validation", func(t *testing.T) {
		f := newFixture(t, nil)
		f.scorer.entry = anomaly.EntryScore{Score: 2.0, IsAnomaly: true, Statistical: true}

		f.pipeline.processBatch(context.Background(), []Item{
			{LogID: uuid.New(), Message: "ERROR: oom", Level: "ERROR"},
		}, "size")
		assert.Empty(t, f.validator.validated)
	})

	t.Run("budget exhaustion abandons the batch", func(t *testing.T) {
		f := newFixture(t, nil)
		f.embedder.err = &embedding.BudgetExceededError{SpentUSD: 0.02, EstimatedUSD: 0.01, BudgetUSD: 0.02}

		f.pipeline.processBatch(context.Background(), []Item{
			{LogID: uuid.New(), Message: "ERROR: x"},
		}, "size")
		assert.Empty(t, f.vectors.objects)
		assert.Empty(t, f.scorer.scored)
	})

	t.Run("scoring failure is per item", func(t *testing.T) {
		f := newFixture(t, nil)
		f.scorer.err = errors.New("population fetch failed")

		f.pipeline.processBatch(context.Background(), []Item{
			{LogID: uuid.New(), Message: "ERROR: x"},
			{LogID: uuid.New(), Message: "ERROR: y"},
		}, "size")
		assert.Len(t, f.vectors.objects, 2, "vector writes still happen")
		assert.Empty(t, f.validator.validated)
	})
}

func TestQueueStats(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, func(o *Options) {
		o.Pipeline.BatchSize = 5
		o.Pipeline.BatchTimeout = 30 * time.Second
		o.Pipeline.Workers = 3
	})
	f.pipeline.now = func() time.Time { return now }

	stats := f.pipeline.QueueStats()
	assert.Zero(t, stats.Depth)
	assert.Zero(t, stats.OldestItemAge)
	assert.Equal(t, 5, stats.BatchSize)
	assert.Equal(t, 30*time.Second, stats.BatchTimeout)
	assert.Equal(t, 3, stats.Workers)

	f.pipeline.enqueue(Item{LogID: uuid.New(), EnqueuedAt: now.Add(-12 * time.Second)})
	f.pipeline.enqueue(Item{LogID: uuid.New(), EnqueuedAt: now.Add(-2 * time.Second)})

	stats = f.pipeline.QueueStats()
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, 12*time.Second, stats.OldestItemAge, "age follows the queue head")
}

func TestDrainProcessesEverything(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Pipeline.BatchSize = 2
	})
	for i := 0; i < 5; i++ {
		f.pipeline.enqueue(Item{LogID: uuid.New(), Message: "ERROR: pending"})
	}

	f.pipeline.drain(context.Background())

	assert.Zero(t, f.pipeline.QueueDepth())
	assert.Len(t, f.embedder.calls, 3, "drain flushes in batch-size chunks")
	assert.Len(t, f.scorer.scored, 5)
}

func TestRunShutdownDrains(t *testing.T) {
	f := newFixture(t, nil)
	f.consumer.records = [][]byte{
		[]byte(`{"message":"ERROR: pending one"}`),
		[]byte(`{"message":"ERROR: pending two"}`),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, f.pipeline.Run(ctx), "cancellation is a clean shutdown")
	assert.Zero(t, f.pipeline.QueueDepth(), "queued items are drained before exit")
	assert.Len(t, f.durable.entries, 2)
	assert.Len(t, f.scorer.scored, 2)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
