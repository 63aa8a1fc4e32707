// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// DefaultClassName is the Weaviate class for log embeddings.
const DefaultClassName = "LogEmbedding"

// logEmbeddingSchema returns the class definition for log embeddings.
// Vectors are supplied by the embedding service, so the vectorizer is
// disabled and the index uses cosine distance.
func logEmbeddingSchema(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	return &models.Class{
		Class:       className,
		Description: "Log message embeddings for semantic anomaly detection",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "logId",
				DataType:        []string{"text"},
				Description:     "Log entry identifier (UUID)",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "message",
				DataType:        []string{"text"},
				Description:     "Redacted log message",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "level",
				DataType:        []string{"text"},
				Description:     "Canonical log level",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "service",
				DataType:        []string{"text"},
				Description:     "Originating service name",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "timestamp",
				DataType:    []string{"date"},
				Description: "Log event time",
			},
			{
				Name:            "clusterId",
				DataType:        []string{"int"},
				Description:     "Assigned cluster, -1 for outliers",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "piiRedacted",
				DataType:        []string{"boolean"},
				Description:     "Whether the message had PII placeholders applied",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "embeddingModel",
				DataType:        []string{"text"},
				Description:     "Model that produced the vector",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "embeddingTokens",
				DataType:    []string{"int"},
				Description: "Token count billed for the embedding",
			},
			{
				Name:        "embeddingCostUsd",
				DataType:    []string{"number"},
				Description: "USD cost of the embedding call, zero for cache hits",
			},
			{
				Name:        "embeddingCached",
				DataType:    []string{"boolean"},
				Description: "Whether the vector came from the in-process cache",
			},
		},
	}
}

// ensureSchema creates the class if it does not exist. An existing
// class is verified against dims instead of re-created, so a store
// built for a different embedding model fails here rather than at
// query time. Idempotent.
func ensureSchema(ctx context.Context, client *weaviate.Client, className string, dims int, logger *slog.Logger) error {
	_, err := client.Schema().ClassGetter().WithClassName(className).Do(ctx)
	if err == nil {
		return verifyDimensions(ctx, client, className, dims)
	}

	logger.Info("creating vector class", slog.String("class", className))
	if err := client.Schema().ClassCreator().WithClass(logEmbeddingSchema(className)).Do(ctx); err != nil {
		return fmt.Errorf("creating class %s: %w", className, err)
	}
	return nil
}

// verifyDimensions samples a stored object and compares its vector
// width to the configured embedding size. An empty class passes; the
// class is dimensionless until its first object arrives.
func verifyDimensions(ctx context.Context, client *weaviate.Client, className string, dims int) error {
	if dims <= 0 {
		return nil
	}
	objs, err := client.Data().ObjectsGetter().
		WithClassName(className).
		WithVector().
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("reading class %s for dimension check: %w", className, err)
	}
	for _, obj := range objs {
		if len(obj.Vector) == 0 {
			continue
		}
		if len(obj.Vector) != dims {
			return fmt.Errorf("class %s holds %d-dimensional vectors, configured embedding size is %d",
				className, len(obj.Vector), dims)
		}
	}
	return nil
}
