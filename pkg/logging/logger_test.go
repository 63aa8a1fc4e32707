// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Level:   "info",
		Service: "siftd-test",
		Quiet:   true,
		LogDir:  dir,
	})
	require.NoError(t, err)

	logger.Info("pipeline starting", slog.Int("batch_size", 10))
	logger.Debug("filtered out")
	require.NoError(t, logger.Close())

	name := "siftd-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "debug is below the configured level")

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "pipeline starting", record["msg"])
	assert.Equal(t, "siftd-test", record["service"])
	assert.EqualValues(t, 10, record["batch_size"])
}

func TestQuietWithoutFileDiscards(t *testing.T) {
	logger, err := New(Config{Quiet: true})
	require.NoError(t, err)
	defer logger.Close()

	// Nothing to assert beyond not panicking; every destination is off.
	logger.Info("dropped")
}

func TestCloseIdempotent(t *testing.T) {
	logger, err := New(Config{Quiet: true, LogDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}

func TestLogDirCreation(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger, err := New(Config{Quiet: true, LogDir: dir})
	require.NoError(t, err)
	defer logger.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
