// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorstore persists log embeddings in Weaviate.
//
// # Description
//
// Store wraps the Weaviate client with the operations the pipeline
// needs: idempotent upsert keyed by log entry ID, cosine similarity
// search with optional level and service filters, full cursor-based
// scans for clustering, and point lookups. The LogEmbedding class is
// created lazily before the first write, so a fresh Weaviate instance
// needs no manual setup.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/siftlog/sift/observability"
)

var tracer = otel.Tracer("siftlog/vectorstore")

// ErrNotFound is returned when no object exists for the requested ID.
var ErrNotFound = errors.New("vector object not found")

// OutlierCluster marks objects not assigned to any cluster.
const OutlierCluster = -1

const scrollPageSize = 1000

// Transient failures are retried this many times with a doubling delay.
const (
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// Object is a stored log embedding.
type Object struct {
	LogID     string
	Message   string
	Level     string
	Service   string
	Timestamp time.Time
	ClusterID int
	Vector    []float32

	// Redaction and embedding provenance carried in the payload so an
	// anomaly can be audited without joining back to the durable store.
	PIIRedacted      bool
	EmbeddingModel   string
	EmbeddingTokens  int
	EmbeddingCostUSD float64
	EmbeddingCached  bool
}

// Hit is a search result with its cosine certainty in [0, 1].
type Hit struct {
	Object
	Certainty float64
}

// Filter narrows searches and scans. Zero values match everything.
type Filter struct {
	Level   string
	Service string
}

// Store reads and writes log embeddings in Weaviate.
type Store struct {
	client  *weaviate.Client
	class   string
	dims    int
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	ensured bool

	sleep func(time.Duration)
}

// New creates a Store for the given class. An empty className uses
// DefaultClassName. dims is the vector width every stored object must
// carry; zero disables the check.
func New(client *weaviate.Client, className string, dims int, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if dims < 0 {
		return nil, fmt.Errorf("dimensions must not be negative, got %d", dims)
	}
	if className == "" {
		className = DefaultClassName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:  client,
		class:   className,
		dims:    dims,
		logger:  logger.With(slog.String("component", "vectorstore")),
		metrics: metrics,
		sleep:   time.Sleep,
	}, nil
}

// withRetry reruns op on transient failures. Context cancellation and
// ErrNotFound pass through untouched.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		if attempt < retryAttempts {
			delay := retryBaseDelay << (attempt - 1)
			s.logger.Warn("retrying vector store operation",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err))
			s.sleep(delay)
		}
	}
	return err
}

// ensure creates the class on first use. Failures leave the flag
// unset so the next call retries.
func (s *Store) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	if err := ensureSchema(ctx, s.client, s.class, s.dims, s.logger); err != nil {
		return err
	}
	s.ensured = true
	return nil
}

// Upsert writes obj under its log entry ID, replacing any existing
// object with the same ID.
func (s *Store) Upsert(ctx context.Context, obj Object) error {
	ctx, span := tracer.Start(ctx, "vectorstore.upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.collection", s.class),
		attribute.String("log.id", obj.LogID))

	start := time.Now()
	err := s.withRetry(ctx, "upsert", func() error { return s.upsert(ctx, obj) })
	s.observe("upsert", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) upsert(ctx context.Context, obj Object) error {
	if obj.LogID == "" {
		return errors.New("object must have a log ID")
	}
	if len(obj.Vector) == 0 {
		return errors.New("object must have a vector")
	}
	if s.dims > 0 && len(obj.Vector) != s.dims {
		return fmt.Errorf("vector for %s has %d dimensions, store expects %d", obj.LogID, len(obj.Vector), s.dims)
	}
	if err := s.ensure(ctx); err != nil {
		return err
	}

	exists, err := s.client.Data().Checker().
		WithClassName(s.class).
		WithID(obj.LogID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("checking object %s: %w", obj.LogID, err)
	}
	if exists {
		// Replace rather than merge so a re-ingested log never keeps
		// stale fields.
		if err := s.client.Data().Deleter().
			WithClassName(s.class).
			WithID(obj.LogID).
			Do(ctx); err != nil {
			return fmt.Errorf("replacing object %s: %w", obj.LogID, err)
		}
	}

	_, err = s.client.Data().Creator().
		WithClassName(s.class).
		WithID(obj.LogID).
		WithProperties(s.properties(obj)).
		WithVector(obj.Vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("storing object %s: %w", obj.LogID, err)
	}
	return nil
}

func (s *Store) properties(obj Object) map[string]interface{} {
	return map[string]interface{}{
		"logId":            obj.LogID,
		"message":          obj.Message,
		"level":            obj.Level,
		"service":          obj.Service,
		"timestamp":        obj.Timestamp.UTC().Format(time.RFC3339),
		"clusterId":        obj.ClusterID,
		"piiRedacted":      obj.PIIRedacted,
		"embeddingModel":   obj.EmbeddingModel,
		"embeddingTokens":  obj.EmbeddingTokens,
		"embeddingCostUsd": obj.EmbeddingCostUSD,
		"embeddingCached":  obj.EmbeddingCached,
	}
}

// Get returns the object stored under logID, including its vector.
func (s *Store) Get(ctx context.Context, logID string) (Object, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.get")
	defer span.End()
	span.SetAttributes(attribute.String("log.id", logID))

	start := time.Now()
	var obj Object
	err := s.withRetry(ctx, "get", func() error {
		var inner error
		obj, inner = s.get(ctx, logID)
		return inner
	})
	s.observe("get", start, err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return obj, err
}

func (s *Store) get(ctx context.Context, logID string) (Object, error) {
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(s.class).
		WithID(logID).
		WithVector().
		Do(ctx)
	if err != nil {
		return Object{}, fmt.Errorf("fetching object %s: %w", logID, err)
	}
	if len(objs) == 0 {
		return Object{}, ErrNotFound
	}

	raw := objs[0]
	props, _ := raw.Properties.(map[string]interface{})
	obj := objectFromProps(props)
	obj.Vector = []float32(raw.Vector)
	if obj.LogID == "" {
		obj.LogID = logID
	}
	return obj, nil
}

// Search returns up to limit objects nearest to vector, most similar
// first. Results below minCertainty are excluded.
func (s *Store) Search(ctx context.Context, vector []float32, limit int, minCertainty float64, filter Filter) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.search")
	defer span.End()
	span.SetAttributes(attribute.Int("search.limit", limit))

	start := time.Now()
	var hits []Hit
	err := s.withRetry(ctx, "search", func() error {
		var inner error
		hits, inner = s.search(ctx, vector, limit, minCertainty, filter)
		return inner
	})
	s.observe("search", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return hits, err
}

func (s *Store) search(ctx context.Context, vector []float32, limit int, minCertainty float64, filter Filter) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)
	if minCertainty > 0 {
		nearVector = nearVector.WithCertainty(float32(minCertainty))
	}

	query := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(s.queryFields(true)...).
		WithNearVector(nearVector).
		WithLimit(limit)

	if where := buildWhere(filter); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search query error: %s", result.Errors[0].Message)
	}

	return parseHits(result, s.class), nil
}

// ScrollAll pages through every stored object with the cursor API and
// returns them with vectors. A positive max caps the number returned.
func (s *Store) ScrollAll(ctx context.Context, max int) ([]Object, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.scroll_all")
	defer span.End()

	// A scroll is restarted from scratch rather than retried per page;
	// the cursor may reference a page the failure invalidated.
	start := time.Now()
	var objs []Object
	err := s.withRetry(ctx, "scroll", func() error {
		var inner error
		objs, inner = s.scrollAll(ctx, max)
		return inner
	})
	s.observe("scroll", start, err)
	span.SetAttributes(attribute.Int("scroll.objects", len(objs)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return objs, err
}

func (s *Store) scrollAll(ctx context.Context, max int) ([]Object, error) {
	var all []Object
	cursor := ""

	for {
		pageSize := scrollPageSize
		if max > 0 && max-len(all) < pageSize {
			pageSize = max - len(all)
		}
		if pageSize <= 0 {
			break
		}

		query := s.client.GraphQL().Get().
			WithClassName(s.class).
			WithFields(s.queryFields(false)...).
			WithLimit(pageSize)
		if cursor != "" {
			query = query.WithAfter(cursor)
		}

		result, err := query.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("scrolling vectors: %w", err)
		}
		if len(result.Errors) > 0 {
			return nil, fmt.Errorf("scroll query error: %s", result.Errors[0].Message)
		}

		page := parseHits(result, s.class)
		if len(page) == 0 {
			break
		}
		for _, hit := range page {
			all = append(all, hit.Object)
		}
		cursor = page[len(page)-1].LogID

		if len(page) < pageSize {
			break
		}
	}

	return all, nil
}

// SetCluster updates the cluster assignment for a stored object.
func (s *Store) SetCluster(ctx context.Context, logID string, clusterID int) error {
	start := time.Now()
	err := s.withRetry(ctx, "set_cluster", func() error {
		return s.client.Data().Updater().
			WithClassName(s.class).
			WithID(logID).
			WithProperties(map[string]interface{}{
				"clusterId": clusterID,
			}).
			WithMerge().
			Do(ctx)
	})
	s.observe("set_cluster", start, err)
	if err != nil {
		return fmt.Errorf("updating cluster for %s: %w", logID, err)
	}
	return nil
}

// Delete removes the object stored under logID.
func (s *Store) Delete(ctx context.Context, logID string) error {
	start := time.Now()
	err := s.client.Data().Deleter().
		WithClassName(s.class).
		WithID(logID).
		Do(ctx)
	s.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", logID, err)
	}
	return nil
}

// Count returns the number of stored objects.
func (s *Store) Count(ctx context.Context) (int, error) {
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(s.class).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting objects: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("count query error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := data[s.class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	return getInt(meta, "count"), nil
}

func (s *Store) queryFields(withCertainty bool) []graphql.Field {
	additional := "_additional { id vector }"
	if withCertainty {
		additional = "_additional { id vector certainty }"
	}
	return []graphql.Field{
		{Name: "logId"},
		{Name: "message"},
		{Name: "level"},
		{Name: "service"},
		{Name: "timestamp"},
		{Name: "clusterId"},
		{Name: "piiRedacted"},
		{Name: "embeddingModel"},
		{Name: "embeddingTokens"},
		{Name: "embeddingCostUsd"},
		{Name: "embeddingCached"},
		{Name: additional},
	}
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.VectorOpDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.VectorOpsTotal.WithLabelValues(op, status).Inc()
}

// buildWhere converts a Filter to a Weaviate where clause, or nil
// when the filter is empty.
func buildWhere(filter Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if filter.Level != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"level"}).
			WithOperator(filters.Equal).
			WithValueString(filter.Level))
	}
	if filter.Service != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"service"}).
			WithOperator(filters.Equal).
			WithValueString(filter.Service))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// parseHits converts a GraphQL Get response to Hits.
func parseHits(result *models.GraphQLResponse, className string) []Hit {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[className].([]interface{})
	if !ok {
		return nil
	}

	hits := make([]Hit, 0, len(objects))
	for _, raw := range objects {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		hit := Hit{Object: objectFromProps(m)}

		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if hit.LogID == "" {
				hit.LogID = getString(additional, "id")
			}
			hit.Certainty = getFloat64(additional, "certainty")
			if rawVec, ok := additional["vector"].([]interface{}); ok {
				vec := make([]float32, 0, len(rawVec))
				for _, v := range rawVec {
					if f, ok := v.(float64); ok {
						vec = append(vec, float32(f))
					}
				}
				hit.Vector = vec
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

// objectFromProps maps Weaviate properties to an Object.
func objectFromProps(m map[string]interface{}) Object {
	obj := Object{
		LogID:            getString(m, "logId"),
		Message:          getString(m, "message"),
		Level:            getString(m, "level"),
		Service:          getString(m, "service"),
		ClusterID:        getInt(m, "clusterId"),
		PIIRedacted:      getBool(m, "piiRedacted"),
		EmbeddingModel:   getString(m, "embeddingModel"),
		EmbeddingTokens:  getInt(m, "embeddingTokens"),
		EmbeddingCostUSD: getFloat64(m, "embeddingCostUsd"),
		EmbeddingCached:  getBool(m, "embeddingCached"),
	}
	if ts := getString(m, "timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			obj.Timestamp = t
		}
	}
	return obj
}

// getBool safely extracts a bool from a map.
func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// getString safely extracts a string from a map.
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getFloat64 safely extracts a float64 from a map.
func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		case int:
			return float64(n)
		}
	}
	return 0
}

// getInt safely extracts an int from a map.
func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}
