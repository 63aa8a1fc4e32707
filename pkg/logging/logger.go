// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for siftlog processes.
//
// # Description
//
// Built on log/slog with two destinations: stderr (text by default,
// JSON for daemons) and an optional JSON log file named
// "{service}_{date}.log" under a configured directory. The file is
// always JSON because it exists for machine processing.
//
// # Thread Safety
//
// The returned *Logger is safe for concurrent use; Close is
// idempotent.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config controls logger construction. The zero value logs Info and
// above to stderr in text format.
type Config struct {
	// Level is the minimum level, one of "debug", "info", "warn",
	// "error". Default: "info".
	Level string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	JSON bool

	// Quiet drops stderr output entirely. Useful when only the file
	// destination matters.
	Quiet bool

	// LogDir enables file logging when non-empty. Supports a leading
	// "~" for the home directory. Created with 0750 if missing.
	LogDir string
}

// Logger wraps slog.Logger with the file handle it may own.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger from cfg. Errors are limited to the file
// destination; a logger without file output is always returned.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	var handlers []slog.Handler
	if !cfg.Quiet {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{}
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			l.Logger = buildLogger(handlers, cfg.Service)
			return l, err
		}
		l.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
	}

	l.Logger = buildLogger(handlers, cfg.Service)
	return l, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func buildLogger(handlers []slog.Handler, service string) *slog.Logger {
	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(io.Discard, nil)
	case 1:
		h = handlers[0]
	default:
		h = fanout(handlers)
	}
	logger := slog.New(h)
	if service != "" {
		logger = logger.With(slog.String("service", service))
	}
	return logger
}

func openLogFile(dir, service string) (*os.File, error) {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expanding log dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	if service == "" {
		service = "siftd"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return file, nil
}

// fanout duplicates every record to each destination handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
