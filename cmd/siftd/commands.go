// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/siftlog/sift/observability"
	"github.com/siftlog/sift/services/anomaly"
	"github.com/siftlog/sift/services/cluster"
	"github.com/siftlog/sift/services/embedding"
	"github.com/siftlog/sift/services/ingest"
	"github.com/siftlog/sift/services/llm"
	"github.com/siftlog/sift/services/storage"
	"github.com/siftlog/sift/services/transport"
	"github.com/siftlog/sift/services/vectorstore"
)

var (
	configPath   string
	logLevel     string
	logDir       string
	sampleSize   int
	detectMethod string
	metricsAddr  string
	analyzeTool  string
	analyzeArgs  string
	infoCluster  string
	infoLog      string

	rootCmd = &cobra.Command{
		Use:   "siftd",
		Short: "Log ingestion and two-tier anomaly detection pipeline",
		Long: `siftd consumes raw log records from Kafka, redacts and stores
them, and runs a cost-bounded two-tier anomaly detection pipeline over
the high-severity subset.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the two-track ingestion pipeline until interrupted",
		RunE:  runServe,
	}

	clusterCmd = &cobra.Command{
		Use:   "cluster",
		Short: "Run one HDBSCAN clustering pass over the embedding corpus",
		Long: `cluster runs a full HDBSCAN pass and persists assignments and
per-cluster metadata. With --info or --log it performs a lookup against
the last persisted run instead of clustering.`,
		RunE: runCluster,
	}

	detectCmd = &cobra.Command{
		Use:   "detect",
		Short: "Run one bulk statistical scoring pass",
		RunE:  runDetect,
	}

	analyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Invoke one analysis tool against the stored corpus",
		Long: `analyze dispatches one of the named analysis tools: detect_anomaly
(bulk statistical pass), find_similar (nearest neighbors of a stored
log), or analyze_anomaly (LLM root-cause assessment of a stored log).
Arguments are passed as a JSON object via --args.`,
		RunE: runAnalyze,
	}
)

// services holds the wired collaborators shared by the subcommands.
type services struct {
	store   *storage.Store
	vectors *vectorstore.Store
	metrics *observability.Metrics
}

func buildServices() (*services, error) {
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	store, err := storage.Open(cfg.Database.DSN, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	client, err := weaviateClient(cfg.Weaviate.URL)
	if err != nil {
		store.Close()
		return nil, err
	}
	vectors, err := vectorstore.New(client, cfg.Weaviate.ClassName, cfg.Weaviate.Dimensions, slog.Default(), metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &services{store: store, vectors: vectors, metrics: metrics}, nil
}

func weaviateClient(url string) (*weaviate.Client, error) {
	wcfg := weaviate.Config{Host: url, Scheme: "http"}
	if strings.HasPrefix(url, "https://") {
		wcfg.Scheme = "https"
		wcfg.Host = strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		wcfg.Host = strings.TrimPrefix(url, "http://")
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	return client, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	openaiClient := openai.NewClient(cfg.OpenAI.APIKey)
	embedder := embedding.NewService(openaiClient, embedding.Options{
		Model:             openai.EmbeddingModel(cfg.OpenAI.EmbeddingModel),
		DailyBudgetUSD:    cfg.OpenAI.DailyBudgetUSD,
		RequestsPerSecond: cfg.OpenAI.RequestsPerSecond,
		Metrics:           svc.metrics,
	})
	scorer := anomaly.NewScorer(svc.vectors, svc.store, cfg.Detection, slog.Default(), svc.metrics, time.Now().UnixNano())
	validator := anomaly.NewValidator(openaiClient, cfg.OpenAI.ChatModel, cfg.Detection.ValidationConfidenceThreshold, slog.Default(), svc.metrics)

	broker := transport.New(cfg.Broker, slog.Default())
	if err := broker.Connect(ctx); err != nil {
		return err
	}
	// Broker connections close last, after the drain completes.
	defer broker.Close()

	pipeline, err := ingest.New(ingest.Options{
		Consumer:  broker,
		Publisher: broker,
		Store:     svc.store,
		Embedder:  embedder,
		Vectors:   svc.vectors,
		Scorer:    scorer,
		Validator: validator,
		Pipeline:  cfg.Pipeline,
		Detection: cfg.Detection,
		Redaction: cfg.Redaction,
		Metrics:   svc.metrics,
	})
	if err != nil {
		return err
	}

	go serveMetrics(metricsAddr)

	slog.Info("pipeline starting",
		slog.Any("brokers", cfg.Broker.Brokers),
		slog.String("raw_topic", cfg.Broker.RawTopic),
		slog.Bool("priority_track", cfg.Pipeline.PriorityEnabled()))
	return pipeline.Run(ctx)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", slog.Any("error", err))
	}
}

func runCluster(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	size := sampleSize
	if size == 0 {
		size = cfg.Clustering.SampleSize
	}

	engine := cluster.NewEngine(svc.vectors, svc.store, cfg.Clustering, slog.Default(), svc.metrics, time.Now().UnixNano())

	switch {
	case infoCluster != "":
		id, err := strconv.Atoi(infoCluster)
		if err != nil {
			return fmt.Errorf("invalid cluster id %q", infoCluster)
		}
		info, err := engine.Info(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(cmd, info)
	case infoLog != "":
		logID, err := uuid.Parse(infoLog)
		if err != nil {
			return fmt.Errorf("invalid log id %q", infoLog)
		}
		info, err := engine.InfoForLog(ctx, logID)
		if err != nil {
			return err
		}
		return printJSON(cmd, info)
	}

	result, err := engine.Run(ctx, size)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch detectMethod {
	case anomaly.MethodIsolationForest, anomaly.MethodZScore, anomaly.MethodIQR:
	default:
		return fmt.Errorf("unknown method %q; use %s, %s or %s",
			detectMethod, anomaly.MethodIsolationForest, anomaly.MethodZScore, anomaly.MethodIQR)
	}

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	scorer := anomaly.NewScorer(svc.vectors, svc.store, cfg.Detection, slog.Default(), svc.metrics, time.Now().UnixNano())
	report, err := scorer.ScoreAll(ctx, detectMethod)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.store.Close()

	openaiClient := openai.NewClient(cfg.OpenAI.APIKey)
	chat := llm.NewClient(openaiClient, cfg.OpenAI.ChatModel, slog.Default())
	scorer := anomaly.NewScorer(svc.vectors, svc.store, cfg.Detection, slog.Default(), svc.metrics, time.Now().UnixNano())

	registry, err := llm.NewRegistry(slog.Default(),
		llm.NewDetectAnomalyTool(scorer),
		llm.NewFindSimilarTool(svc.vectors),
		llm.NewAnalyzeAnomalyTool(chat, svc.vectors, slog.Default()))
	if err != nil {
		return err
	}

	result, err := registry.Dispatch(ctx, analyzeTool, json.RawMessage(analyzeArgs))
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
