// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// LogEntry is the durable record created by the fast track. Rows are
// written once at ingestion and never mutated afterwards.
type LogEntry struct {
	ID          uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Timestamp   time.Time         `gorm:"not null;index" json:"timestamp"`
	Level       string            `gorm:"size:20;not null;index" json:"level"`
	Service     string            `gorm:"size:100;not null;index" json:"service"`
	Message     string            `gorm:"type:text;not null" json:"message"`
	RawLog      string            `gorm:"type:text;not null" json:"raw_log"`
	LogMetadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata"`
	PIIRedacted bool              `gorm:"not null;default:false" json:"pii_redacted"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
}

// TableName keeps the table name the dashboards already query.
func (LogEntry) TableName() string { return "log_entries" }

// AnomalyResult holds the latest detection verdict for one log entry.
// At most one live row exists per log_entry_id; whichever detector runs
// most recently overwrites score, flag and method in place.
type AnomalyResult struct {
	ID              uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	LogEntryID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"log_entry_id"`
	AnomalyScore    float64   `gorm:"not null" json:"anomaly_score"`
	IsAnomaly       bool      `gorm:"not null;default:false;index" json:"is_anomaly"`
	DetectionMethod string    `gorm:"size:50;not null" json:"detection_method"`
	// ClusterID is nil until a clustering run assigns one; -1 marks an
	// outlier the density pass could not place in any cluster.
	ClusterID    *int      `gorm:"index" json:"cluster_id"`
	LLMReasoning *string   `gorm:"type:text" json:"llm_reasoning"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (AnomalyResult) TableName() string { return "anomaly_results" }

// ClusteringMetadata describes one cluster from the most recent run that
// produced it. Rows are recomputed wholesale per run; stale rows for
// cluster ids that vanished between runs are kept unless pruning is
// enabled.
type ClusteringMetadata struct {
	ID                 uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ClusterID          int            `gorm:"not null;uniqueIndex" json:"cluster_id"`
	ClusterSize        int            `gorm:"not null" json:"cluster_size"`
	ClusterCentroid    datatypes.JSON `gorm:"type:jsonb" json:"centroid"`
	RepresentativeLogs datatypes.JSON `gorm:"type:jsonb" json:"representative_logs"`
	CreatedAt          time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null" json:"updated_at"`
}

func (ClusteringMetadata) TableName() string { return "clustering_metadata" }
