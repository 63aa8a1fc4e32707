// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage persists log entries and detection results in Postgres.
//
// The fast track writes LogEntry rows unconditionally; everything else in
// the pipeline degrades gracefully, so the only failure here that makes a
// record "not ingested" is a failed SaveLogEntry. Detection results and
// cluster metadata use upsert-by-key semantics so re-running a detector
// or a clustering pass is always safe.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store provides access to the durable pipeline entities.
//
// Thread Safety: Safe for concurrent use; gorm manages an internal
// connection pool and each method runs as a short-lived operation.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to Postgres, tunes the pool and migrates the schema.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(&LogEntry{}, &AnomalyResult{}, &ClusteringMetadata{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info("database connected", slog.String("component", "storage"))
	return &Store{db: db, logger: log.With(slog.String("component", "storage"))}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log.With(slog.String("component", "storage"))}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveLogEntry inserts a LogEntry and returns its generated id. This is
// the fast-track write; it must not depend on any priority-track state.
func (s *Store) SaveLogEntry(ctx context.Context, entry *LogEntry) (uuid.UUID, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return uuid.Nil, fmt.Errorf("save log entry: %w", err)
	}
	return entry.ID, nil
}

// GetLogEntry fetches one LogEntry by id.
func (s *Store) GetLogEntry(ctx context.Context, id uuid.UUID) (*LogEntry, error) {
	var entry LogEntry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get log entry: %w", err)
	}
	return &entry, nil
}

// LevelsByIDs returns the level for each of the given log entry ids.
// Missing ids are simply absent from the map.
func (s *Store) LevelsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]string{}, nil
	}
	var rows []struct {
		ID    uuid.UUID
		Level string
	}
	err := s.db.WithContext(ctx).
		Model(&LogEntry{}).
		Select("id", "level").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load levels: %w", err)
	}
	levels := make(map[uuid.UUID]string, len(rows))
	for _, r := range rows {
		levels[r.ID] = r.Level
	}
	return levels, nil
}

// LogEntriesByIDs fetches log entries in bulk, capped at limit (0 = no cap).
func (s *Store) LogEntriesByIDs(ctx context.Context, ids []uuid.UUID, limit int) ([]LogEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("id IN ?", ids)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []LogEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load log entries: %w", err)
	}
	return entries, nil
}

// AnomalyUpdate carries the fields a detector wants to overwrite on the
// live AnomalyResult row for a log entry. Nil pointer fields are left
// untouched so the statistical tier does not erase cluster assignments
// and the clustering tier does not erase scores.
type AnomalyUpdate struct {
	AnomalyScore    *float64
	IsAnomaly       *bool
	DetectionMethod string
	ClusterID       *int
	LLMReasoning    *string

	// IsAnomalyIfNew seeds is_anomaly when the row is first created
	// and is ignored on update. Clustering uses it to flag outliers
	// without overwriting a verdict the scoring tier already wrote.
	IsAnomalyIfNew *bool
}

// UpsertAnomalyResult creates or updates the single live AnomalyResult
// row for logEntryID. The table holds the latest verdict, not history.
func (s *Store) UpsertAnomalyResult(ctx context.Context, logEntryID uuid.UUID, update AnomalyUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AnomalyResult
		err := tx.First(&existing, "log_entry_id = ?", logEntryID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := AnomalyResult{
				ID:              uuid.New(),
				LogEntryID:      logEntryID,
				DetectionMethod: update.DetectionMethod,
				CreatedAt:       time.Now().UTC(),
				UpdatedAt:       time.Now().UTC(),
			}
			if update.AnomalyScore != nil {
				row.AnomalyScore = *update.AnomalyScore
			}
			if update.IsAnomaly != nil {
				row.IsAnomaly = *update.IsAnomaly
			} else if update.IsAnomalyIfNew != nil {
				row.IsAnomaly = *update.IsAnomalyIfNew
			}
			row.ClusterID = update.ClusterID
			row.LLMReasoning = update.LLMReasoning
			return tx.Create(&row).Error
		case err != nil:
			return fmt.Errorf("lookup anomaly result: %w", err)
		}

		changes := map[string]any{
			"updated_at": time.Now().UTC(),
		}
		if update.DetectionMethod != "" {
			changes["detection_method"] = update.DetectionMethod
		}
		if update.AnomalyScore != nil {
			changes["anomaly_score"] = *update.AnomalyScore
		}
		if update.IsAnomaly != nil {
			changes["is_anomaly"] = *update.IsAnomaly
		}
		if update.ClusterID != nil {
			changes["cluster_id"] = *update.ClusterID
		}
		if update.LLMReasoning != nil {
			changes["llm_reasoning"] = *update.LLMReasoning
		}
		return tx.Model(&existing).Updates(changes).Error
	})
}

// GetAnomalyResult fetches the live verdict for a log entry.
func (s *Store) GetAnomalyResult(ctx context.Context, logEntryID uuid.UUID) (*AnomalyResult, error) {
	var row AnomalyResult
	err := s.db.WithContext(ctx).First(&row, "log_entry_id = ?", logEntryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly result: %w", err)
	}
	return &row, nil
}

// LogEntryIDsByCluster lists the log entries currently assigned to a
// cluster, capped at limit.
func (s *Store) LogEntryIDsByCluster(ctx context.Context, clusterID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := s.db.WithContext(ctx).
		Model(&AnomalyResult{}).
		Where("cluster_id = ?", clusterID)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("log_entry_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list cluster members: %w", err)
	}
	return ids, nil
}

// UpsertClusterMetadata overwrites the metadata row for one cluster id.
func (s *Store) UpsertClusterMetadata(ctx context.Context, clusterID, size int, centroid []float32, representatives []uuid.UUID) error {
	centroidJSON, err := json.Marshal(centroid)
	if err != nil {
		return fmt.Errorf("marshal centroid: %w", err)
	}
	repIDs := make([]string, len(representatives))
	for i, id := range representatives {
		repIDs[i] = id.String()
	}
	repJSON, err := json.Marshal(repIDs)
	if err != nil {
		return fmt.Errorf("marshal representatives: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ClusteringMetadata
		err := tx.First(&existing, "cluster_id = ?", clusterID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&ClusteringMetadata{
				ID:                 uuid.New(),
				ClusterID:          clusterID,
				ClusterSize:        size,
				ClusterCentroid:    centroidJSON,
				RepresentativeLogs: repJSON,
				CreatedAt:          time.Now().UTC(),
				UpdatedAt:          time.Now().UTC(),
			}).Error
		case err != nil:
			return fmt.Errorf("lookup cluster metadata: %w", err)
		}
		return tx.Model(&existing).Updates(map[string]any{
			"cluster_size":        size,
			"cluster_centroid":    centroidJSON,
			"representative_logs": repJSON,
			"updated_at":          time.Now().UTC(),
		}).Error
	})
}

// GetClusterMetadata fetches the metadata row for one cluster id.
func (s *Store) GetClusterMetadata(ctx context.Context, clusterID int) (*ClusteringMetadata, error) {
	var row ClusteringMetadata
	err := s.db.WithContext(ctx).First(&row, "cluster_id = ?", clusterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster metadata: %w", err)
	}
	return &row, nil
}

// PruneStaleClusters deletes metadata rows whose cluster id is not in
// keep. Disabled by default; retention of stale clusters is deliberate.
func (s *Store) PruneStaleClusters(ctx context.Context, keep []int) (int64, error) {
	q := s.db.WithContext(ctx).Where("1 = 1")
	if len(keep) > 0 {
		q = s.db.WithContext(ctx).Where("cluster_id NOT IN ?", keep)
	}
	res := q.Delete(&ClusteringMetadata{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune clusters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
