// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command siftd runs the log ingestion and anomaly detection pipeline.
//
// # Usage
//
//	# Build
//	go build -o siftd ./cmd/siftd
//
//	# Run the two-track ingestion pipeline
//	./siftd serve --config config.yaml
//
//	# One-off clustering pass over the embedding corpus
//	./siftd cluster --config config.yaml
//
//	# One-off bulk statistical scoring pass
//	./siftd detect --method IsolationForest --config config.yaml
//
//	# Root-cause analysis of one stored log
//	./siftd analyze --tool analyze_anomaly --args '{"log_id": "..."}'
//
// Credentials are taken from the environment (OPENAI_API_KEY,
// SIFT_DATABASE_DSN, SIFT_KAFKA_BROKERS, SIFT_WEAVIATE_URL) and
// override the config file.
package main

import (
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/siftlog/sift/config"
	"github.com/siftlog/sift/pkg/logging"
	"github.com/siftlog/sift/services/llm"
)

var (
	cfg    config.Config
	logger *logging.Logger
)

func main() {
	defer func() {
		if logger != nil {
			logger.Close()
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write JSON logs to this directory")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadOrDefault(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = logging.New(logging.Config{
			Level:   logLevel,
			Service: "siftd",
			JSON:    true,
			LogDir:  logDir,
		})
		if err != nil {
			return err
		}
		slog.SetDefault(logger.Logger)
		return nil
	}

	clusterCmd.Flags().IntVar(&sampleSize, "sample-size", 0, "cap the corpus via uniform sampling (0 = config value)")
	clusterCmd.Flags().StringVar(&infoCluster, "info", "", "look up one cluster id instead of running a pass")
	clusterCmd.Flags().StringVar(&infoLog, "log", "", "look up the cluster assignment of one log id")
	detectCmd.Flags().StringVar(&detectMethod, "method", "IsolationForest", "IsolationForest, Z-score or IQR")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	analyzeCmd.Flags().StringVar(&analyzeTool, "tool", llm.ToolAnalyzeAnomaly, "tool to invoke (detect_anomaly, find_similar, analyze_anomaly)")
	analyzeCmd.Flags().StringVar(&analyzeArgs, "args", "{}", "tool arguments as a JSON object")

	rootCmd.AddCommand(serveCmd, clusterCmd, detectCmd, analyzeCmd)
}
