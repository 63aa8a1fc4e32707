// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest composes the two-track ingestion pipeline.
//
// # Description
//
// Every raw record is normalized, redacted and written to the durable
// store (the fast track). Records whose level is on the priority
// allow-list additionally enter an in-memory queue; batches of queued
// items are embedded in one call, stored in the vector index and run
// through Tier-1 statistical scoring, with Tier-2 semantic validation
// gated behind the validation score threshold (the priority track).
// Fast-track durability never depends on the priority track: a record
// that fails embedding, vector storage or scoring is still a complete,
// queryable log entry.
//
// # Thread Safety
//
// The priority queue is guarded by its own mutex. Run starts the
// consumption loop and the flush loop; per-item batch work fans out
// over a bounded worker pool.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/siftlog/sift/config"
	"github.com/siftlog/sift/observability"
	"github.com/siftlog/sift/services/anomaly"
	"github.com/siftlog/sift/services/embedding"
	"github.com/siftlog/sift/services/ingest/normalize"
	"github.com/siftlog/sift/services/ingest/redact"
	"github.com/siftlog/sift/services/storage"
	"github.com/siftlog/sift/services/transport"
	"github.com/siftlog/sift/services/vectorstore"
)

// contextSearchLimit is how many similar logs are fetched for the
// Tier-2 prompt, plus one because the search returns the item itself.
const contextSearchLimit = 6

// flushTickInterval is how often the flush predicate is evaluated.
const flushTickInterval = 500 * time.Millisecond

var tracer = otel.Tracer("siftlog/ingest")

// Consumer is the inbound side of the message transport.
type Consumer interface {
	Consume(ctx context.Context, handler transport.Handler) error
}

// Publisher is the outbound side of the message transport.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// DurableStore is the fast-track write surface plus the anomaly
// annotation used by Tier 2.
type DurableStore interface {
	SaveLogEntry(ctx context.Context, entry *storage.LogEntry) (uuid.UUID, error)
	UpsertAnomalyResult(ctx context.Context, logEntryID uuid.UUID, update storage.AnomalyUpdate) error
}

// Embedder turns a batch of messages into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]embedding.Result, error)
}

// VectorStore is the subset of the vector index the priority track
// needs.
type VectorStore interface {
	Upsert(ctx context.Context, obj vectorstore.Object) error
	Search(ctx context.Context, vector []float32, limit int, minCertainty float64, filter vectorstore.Filter) ([]vectorstore.Hit, error)
}

// EntryScorer runs Tier-1 scoring for one freshly embedded entry.
type EntryScorer interface {
	ScoreEntry(ctx context.Context, logID uuid.UUID, method string) (*anomaly.EntryScore, error)
}

// SemanticValidator runs Tier-2 validation.
type SemanticValidator interface {
	Validate(ctx context.Context, message, level, service string, contextLogs []anomaly.ContextLog) (*anomaly.Verdict, error)
	Confirms(verdict *anomaly.Verdict) bool
}

// Item is one queued priority-track record.
type Item struct {
	LogID       uuid.UUID
	Message     string
	Level       string
	Service     string
	Timestamp   time.Time
	PIIRedacted bool
	EnqueuedAt  time.Time
}

// Options wires the pipeline's collaborators.
type Options struct {
	Consumer  Consumer
	Publisher Publisher
	Store     DurableStore
	Embedder  Embedder
	Vectors   VectorStore
	Scorer    EntryScorer
	Validator SemanticValidator

	Pipeline  config.PipelineConfig
	Detection config.DetectionConfig
	Redaction config.RedactionConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Pipeline is the two-track ingestion orchestrator.
type Pipeline struct {
	consumer  Consumer
	publisher Publisher
	store     DurableStore
	embedder  Embedder
	vectors   VectorStore
	scorer    EntryScorer
	validator SemanticValidator

	cfg       config.PipelineConfig
	detection config.DetectionConfig

	normalizer *normalize.Normalizer
	redactor   *redact.Engine
	priority   map[string]struct{}

	mu        sync.Mutex
	queue     []Item
	lastFlush time.Time

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New builds a Pipeline. Every collaborator in opts except Metrics is
// required.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Consumer == nil:
		return nil, errors.New("ingest: consumer is required")
	case opts.Publisher == nil:
		return nil, errors.New("ingest: publisher is required")
	case opts.Store == nil:
		return nil, errors.New("ingest: durable store is required")
	case opts.Embedder == nil:
		return nil, errors.New("ingest: embedder is required")
	case opts.Vectors == nil:
		return nil, errors.New("ingest: vector store is required")
	case opts.Scorer == nil:
		return nil, errors.New("ingest: scorer is required")
	case opts.Validator == nil:
		return nil, errors.New("ingest: validator is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "ingest"))

	priority := make(map[string]struct{}, len(opts.Pipeline.PriorityLevels))
	for _, level := range opts.Pipeline.PriorityLevels {
		priority[level] = struct{}{}
	}

	p := &Pipeline{
		consumer:   opts.Consumer,
		publisher:  opts.Publisher,
		store:      opts.Store,
		embedder:   opts.Embedder,
		vectors:    opts.Vectors,
		scorer:     opts.Scorer,
		validator:  opts.Validator,
		cfg:        opts.Pipeline,
		detection:  opts.Detection,
		normalizer: normalize.New(),
		redactor:   redact.NewEngine(logger, redact.WithThreshold(opts.Redaction.ConfidenceThreshold)),
		priority:   priority,
		logger:     logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
	p.lastFlush = p.now()
	return p, nil
}

// Run consumes raw records and drives batch flushing until ctx is
// cancelled. On shutdown the remaining queue is drained synchronously
// before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.consumer.Consume(gctx, p.HandleRaw)
	})
	g.Go(func() error {
		p.flushLoop(gctx)
		return nil
	})
	err := g.Wait()

	p.drain(context.WithoutCancel(ctx))

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleRaw processes one raw record: normalize, redact, fast-track
// write, publish, enqueue decision. Returning an error leaves the
// message uncommitted on the broker; only a durable-write failure does
// that.
func (p *Pipeline) HandleRaw(ctx context.Context, _, value []byte) error {
	ctx, span := tracer.Start(ctx, "ingest.handle_raw")
	defer span.End()

	var raw map[string]any
	if err := json.Unmarshal(value, &raw); err != nil {
		p.logger.Warn("dropping unparseable record", slog.Any("error", err))
		return nil
	}

	rec := p.normalizer.Normalize(raw)
	redacted, entities := p.redactor.Redact(rec.Message)

	entry := &storage.LogEntry{
		Timestamp:   rec.Timestamp,
		Level:       rec.Level,
		Service:     rec.Service,
		Message:     redacted,
		RawLog:      string(value),
		LogMetadata: datatypes.JSONMap(rec.Metadata),
		PIIRedacted: len(entities) > 0,
	}
	id, err := p.store.SaveLogEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("fast-track write: %w", err)
	}
	if p.metrics != nil {
		p.metrics.LogsIngestedTotal.WithLabelValues(rec.Level).Inc()
	}

	p.publishProcessed(ctx, id, entry)

	if p.qualifies(rec.Level) {
		p.enqueue(Item{
			LogID:       id,
			Message:     redacted,
			Level:       rec.Level,
			Service:     rec.Service,
			Timestamp:   rec.Timestamp,
			PIIRedacted: entry.PIIRedacted,
			EnqueuedAt:  p.now(),
		})
	}
	return nil
}

func (p *Pipeline) qualifies(level string) bool {
	if !p.cfg.PriorityEnabled() {
		return false
	}
	_, ok := p.priority[level]
	return ok
}

// processedRecord is the shape published on the processed topic.
type processedRecord struct {
	ID          uuid.UUID      `json:"id"`
	Timestamp   string         `json:"timestamp"`
	Level       string         `json:"level"`
	Service     string         `json:"service"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PIIRedacted bool           `json:"pii_redacted"`
}

// publishProcessed is best effort; a publish failure never undoes a
// fast-track write.
func (p *Pipeline) publishProcessed(ctx context.Context, id uuid.UUID, entry *storage.LogEntry) {
	data, err := json.Marshal(processedRecord{
		ID:          id,
		Timestamp:   entry.Timestamp.UTC().Format(time.RFC3339),
		Level:       entry.Level,
		Service:     entry.Service,
		Message:     entry.Message,
		Metadata:    entry.LogMetadata,
		PIIRedacted: entry.PIIRedacted,
	})
	if err != nil {
		p.logger.Error("marshaling processed record", slog.Any("error", err))
		return
	}
	if err := p.publisher.Publish(ctx, []byte(id.String()), data); err != nil {
		p.logger.Warn("publishing processed record",
			slog.String("log_id", id.String()), slog.Any("error", err))
	}
}

func (p *Pipeline) enqueue(item Item) {
	p.mu.Lock()
	p.queue = append(p.queue, item)
	depth := len(p.queue)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PriorityEnqueuedTotal.Inc()
		p.metrics.PriorityQueueDepth.Set(float64(depth))
	}
}

// QueueDepth returns the number of queued priority items.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// QueueStats is a point-in-time snapshot of the priority queue and its
// flush configuration.
type QueueStats struct {
	Depth         int           `json:"depth"`
	OldestItemAge time.Duration `json:"oldest_item_age"`
	BatchSize     int           `json:"batch_size"`
	BatchTimeout  time.Duration `json:"batch_timeout"`
	Workers       int           `json:"workers"`
}

// QueueStats reports the current queue state for health endpoints and
// operator tooling.
func (p *Pipeline) QueueStats() QueueStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := QueueStats{
		Depth:        len(p.queue),
		BatchSize:    p.cfg.BatchSize,
		BatchTimeout: p.cfg.BatchTimeout,
		Workers:      p.cfg.Workers,
	}
	if len(p.queue) > 0 {
		stats.OldestItemAge = p.now().Sub(p.queue[0].EnqueuedAt)
	}
	return stats
}

// flushLoop evaluates the flush predicate on a fixed tick.
func (p *Pipeline) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if batch, trigger := p.takeBatch(); len(batch) > 0 {
				p.processBatch(ctx, batch, trigger)
			}
		}
	}
}

// takeBatch pops a batch when either trigger fires: the queue reached
// BatchSize, or a non-empty queue sat for BatchTimeout since the last
// flush. An empty queue resets the timeout clock.
func (p *Pipeline) takeBatch() ([]Item, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if len(p.queue) == 0 {
		p.lastFlush = now
		return nil, ""
	}

	trigger := ""
	n := 0
	switch {
	case len(p.queue) >= p.cfg.BatchSize:
		trigger = "size"
		n = p.cfg.BatchSize
	case now.Sub(p.lastFlush) >= p.cfg.BatchTimeout:
		trigger = "timeout"
		n = len(p.queue)
	default:
		return nil, ""
	}

	batch := make([]Item, n)
	copy(batch, p.queue)
	p.queue = p.queue[n:]
	p.lastFlush = now

	if p.metrics != nil {
		p.metrics.PriorityQueueDepth.Set(float64(len(p.queue)))
	}
	return batch, trigger
}

// drain processes everything left in the queue, in batch-size chunks,
// before shutdown completes.
func (p *Pipeline) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		n := len(p.queue)
		if n > p.cfg.BatchSize {
			n = p.cfg.BatchSize
		}
		batch := make([]Item, n)
		copy(batch, p.queue)
		p.queue = p.queue[n:]
		p.mu.Unlock()

		p.processBatch(ctx, batch, "drain")
	}
}

// processBatch embeds the whole batch in one call, then fans per-item
// work out over the worker pool. Batch-level failures abandon the
// batch; the fast-track rows already exist.
func (p *Pipeline) processBatch(ctx context.Context, batch []Item, trigger string) {
	ctx, span := tracer.Start(ctx, "ingest.process_batch", trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.String("batch.trigger", trigger)))
	defer span.End()

	if p.metrics != nil {
		p.metrics.BatchesFlushedTotal.WithLabelValues(trigger).Inc()
	}
	p.logger.Info("flushing priority batch",
		slog.Int("size", len(batch)), slog.String("trigger", trigger))

	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.Message
	}
	results, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, embedding.ErrBudgetExceeded) {
			p.logger.Warn("abandoning batch, embedding budget exceeded",
				slog.Int("size", len(batch)))
		} else {
			p.logger.Error("abandoning batch, embedding failed",
				slog.Int("size", len(batch)), slog.Any("error", err))
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i := range batch {
		g.Go(func() error {
			p.processItem(ctx, batch[i], results[i])
			return nil
		})
	}
	_ = g.Wait()
}

// processItem stores the vector, runs Tier-1 scoring and, when gated
// in, Tier-2 validation. Failures are per-item: logged, never
// propagated to the batch.
func (p *Pipeline) processItem(ctx context.Context, item Item, res embedding.Result) {
	ctx, span := tracer.Start(ctx, "ingest.process_item", trace.WithAttributes(
		attribute.String("log.id", item.LogID.String()),
		attribute.String("log.level", item.Level)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	log := p.logger.With(slog.String("log_id", item.LogID.String()))

	if res.Vector == nil {
		log.Debug("skipping empty message")
		return
	}

	obj := vectorstore.Object{
		LogID:            item.LogID.String(),
		Message:          item.Message,
		Level:            item.Level,
		Service:          item.Service,
		Timestamp:        item.Timestamp,
		ClusterID:        vectorstore.OutlierCluster,
		Vector:           res.Vector,
		PIIRedacted:      item.PIIRedacted,
		EmbeddingModel:   res.Model,
		EmbeddingTokens:  res.Tokens,
		EmbeddingCostUSD: res.CostUSD,
		EmbeddingCached:  res.Cached,
	}
	if err := p.vectors.Upsert(ctx, obj); err != nil {
		log.Error("vector store write failed", slog.Any("error", err))
		return
	}

	entry, err := p.scorer.ScoreEntry(ctx, item.LogID, anomaly.MethodIsolationForest)
	if err != nil {
		log.Error("statistical scoring failed", slog.Any("error", err))
		return
	}
	if !entry.IsAnomaly || entry.Score < p.detection.ValidationScoreThreshold {
		return
	}

	p.validateItem(ctx, log, item, res.Vector, entry)
}

// validateItem runs Tier 2 for one flagged entry and stores the
// reasoning. The Tier-1 flag stays authoritative; a disagreeing
// verdict only annotates.
func (p *Pipeline) validateItem(ctx context.Context, log *slog.Logger, item Item, vector []float32, entry *anomaly.EntryScore) {
	var contextLogs []anomaly.ContextLog
	hits, err := p.vectors.Search(ctx, vector, contextSearchLimit, 0, vectorstore.Filter{})
	if err != nil {
		log.Warn("context search failed, validating without context", slog.Any("error", err))
	}
	for _, hit := range hits {
		if hit.LogID == item.LogID.String() {
			continue
		}
		contextLogs = append(contextLogs, anomaly.ContextLog{
			Level:   hit.Level,
			Service: hit.Service,
			Message: hit.Message,
		})
	}

	verdict, err := p.validator.Validate(ctx, item.Message, item.Level, item.Service, contextLogs)
	if err != nil {
		log.Error("semantic validation failed", slog.Any("error", err))
		return
	}

	reasoning := verdict.Reasoning
	if err := p.store.UpsertAnomalyResult(ctx, item.LogID, storage.AnomalyUpdate{
		LLMReasoning: &reasoning,
	}); err != nil {
		log.Error("storing validation reasoning failed", slog.Any("error", err))
		return
	}

	if !verdict.Fallback && !p.validator.Confirms(verdict) {
		log.Info("tier-2 verdict disagrees with tier-1 flag",
			slog.Float64("score", entry.Score),
			slog.Float64("confidence", verdict.Confidence))
	}
}
