// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the pipeline.
//
// # Description
//
// One Metrics struct holds every counter, histogram and gauge the
// pipeline emits: ingestion volume by level and track, embedding cost
// and cache behavior, vector store operation latency, and detection
// outcomes by method. Initialize once at startup via NewMetrics and
// inject into the services; a nil *Metrics disables recording, which the
// tests rely on.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sift"

// Metrics holds all Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	// LogsIngestedTotal counts fast-track writes by level.
	LogsIngestedTotal *prometheus.CounterVec

	// PriorityEnqueuedTotal counts records admitted to the priority track.
	PriorityEnqueuedTotal prometheus.Counter

	// PriorityQueueDepth is the current in-memory queue size.
	PriorityQueueDepth prometheus.Gauge

	// BatchesFlushedTotal counts priority batch flushes by trigger
	// (size, timeout, drain).
	BatchesFlushedTotal *prometheus.CounterVec

	// EmbeddingsTotal counts embedding calls by status (success, error).
	EmbeddingsTotal *prometheus.CounterVec

	// EmbeddingCacheHitsTotal counts embedding cache hits.
	EmbeddingCacheHitsTotal prometheus.Counter

	// EmbeddingCostUSD accumulates embedding spend.
	EmbeddingCostUSD prometheus.Counter

	// EmbeddingTokensTotal accumulates billed tokens.
	EmbeddingTokensTotal prometheus.Counter

	// EmbeddingDailySpendUSD is the current UTC-day spend.
	EmbeddingDailySpendUSD prometheus.Gauge

	// BudgetExceededTotal counts calls rejected by the daily budget.
	BudgetExceededTotal prometheus.Counter

	// RateLimitErrorsTotal counts provider rate-limit responses.
	RateLimitErrorsTotal prometheus.Counter

	// VectorOpDurationSeconds observes vector store operation latency
	// by operation (upsert, search, scroll, get).
	VectorOpDurationSeconds *prometheus.HistogramVec

	// VectorOpsTotal counts vector store operations by operation and
	// status.
	VectorOpsTotal *prometheus.CounterVec

	// AnomaliesDetectedTotal counts flagged anomalies by method.
	AnomaliesDetectedTotal *prometheus.CounterVec

	// ValidationsTotal counts Tier-2 calls by outcome
	// (confirmed, rejected, fallback, error).
	ValidationsTotal *prometheus.CounterVec

	// ClusteringRunsTotal counts clustering passes by status.
	ClusteringRunsTotal *prometheus.CounterVec
}

// NewMetrics registers all pipeline metrics on reg and returns them.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LogsIngestedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_ingested_total",
			Help:      "Fast-track log writes by level.",
		}, []string{"level"}),

		PriorityEnqueuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "priority_enqueued_total",
			Help:      "Records admitted to the priority track.",
		}),

		PriorityQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "priority_queue_depth",
			Help:      "Current in-memory priority queue size.",
		}),

		BatchesFlushedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Priority batch flushes by trigger.",
		}, []string{"trigger"}),

		EmbeddingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Embedding API calls by status.",
		}, []string{"status"}),

		EmbeddingCacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding cache hits.",
		}),

		EmbeddingCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cost_usd_total",
			Help:      "Cumulative embedding spend in USD.",
		}),

		EmbeddingTokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_tokens_total",
			Help:      "Cumulative billed embedding tokens.",
		}),

		EmbeddingDailySpendUSD: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "embedding_daily_spend_usd",
			Help:      "Embedding spend for the current UTC day.",
		}),

		BudgetExceededTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_exceeded_total",
			Help:      "Embedding calls rejected by the daily budget.",
		}),

		RateLimitErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_errors_total",
			Help:      "Provider rate-limit responses.",
		}),

		VectorOpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vector_op_duration_seconds",
			Help:      "Vector store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		VectorOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_ops_total",
			Help:      "Vector store operations by status.",
		}, []string{"operation", "status"}),

		AnomaliesDetectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Flagged anomalies by detection method.",
		}, []string{"method"}),

		ValidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Tier-2 semantic validations by outcome.",
		}, []string{"outcome"}),

		ClusteringRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clustering_runs_total",
			Help:      "Clustering passes by status.",
		}, []string{"status"}),
	}
}
