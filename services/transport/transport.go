// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport wraps the Kafka client behind a small
// connect/consume/publish surface with explicit connection state.
//
// # Description
//
// The transport owns one consumer-group reader on the raw topic and
// one writer on the processed topic. On any I/O error it drops back to
// Disconnected and retries a bounded number of times with a fixed
// delay before giving up and reporting unhealthy. Read health means a
// broker answers a metadata request; write health means at least one
// configured endpoint accepts a connection.
//
// # Thread Safety
//
// Consume runs a single loop and must not be called concurrently with
// itself. State accessors, Publish and the health checks are safe from
// any goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/siftlog/sift/config"
)

var tracer = otel.Tracer("siftlog/transport")

// State is the transport connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// ErrReconnectExhausted is returned when every reconnect attempt
// failed and the transport gave up.
var ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

// Handler processes one consumed record. A nil return commits the
// message; an error leaves it uncommitted for redelivery.
type Handler func(ctx context.Context, key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport is the Kafka client wrapper.
type Transport struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	reader       messageReader
	writer       messageWriter
	writeHealthy bool

	// Injection points for tests.
	newReader func() messageReader
	newWriter func() messageWriter
	dial      func(ctx context.Context, addr string) error
	sleep     func(d time.Duration)
}

// New builds a Transport in the Disconnected state. Connect must be
// called before Consume or Publish.
func New(cfg config.BrokerConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "transport")),
		sleep:  time.Sleep,
	}
	t.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.RawTopic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
			MaxWait:  time.Second,
		})
	}
	t.newWriter = func() messageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.ProcessedTopic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}
	t.dial = func(ctx context.Context, addr string) error {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.ReadPartitions()
		return err
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the reader and writer. Idempotent while connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateConnected || t.state == StateConsuming {
		return nil
	}
	return t.connectLocked(ctx)
}

func (t *Transport) connectLocked(ctx context.Context) error {
	t.state = StateConnecting
	t.logger.Info("connecting to broker", slog.Any("brokers", t.cfg.Brokers))

	if err := ctx.Err(); err != nil {
		t.state = StateDisconnected
		return err
	}
	// The client library connects lazily, so probe a broker here to
	// make connect attempts observable failures instead of deferred
	// ones.
	if err := t.dialAny(ctx); err != nil {
		t.state = StateDisconnected
		return fmt.Errorf("no reachable broker: %w", err)
	}

	t.reader = t.newReader()
	t.writer = t.newWriter()
	t.state = StateConnected
	t.writeHealthy = true
	return nil
}

// Consume pulls records from the raw topic and passes each to handler,
// committing on success. On a fetch error it reconnects with the
// configured bounded retry policy; Consume returns only on context
// cancellation or when reconnecting gives up.
func (t *Transport) Consume(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	if t.state == StateDisconnected {
		if err := t.connectLocked(ctx); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.state = StateConsuming
	reader := t.reader
	t.mu.Unlock()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("fetch failed", slog.Any("error", err))
			reader, err = t.reconnect(ctx)
			if err != nil {
				return err
			}
			continue
		}

		if err := handler(ctx, msg.Key, msg.Value); err != nil {
			// Uncommitted records are redelivered; anything past a
			// durable write is not the transport's concern.
			t.logger.Error("handler failed, leaving record uncommitted",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err))
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("commit failed", slog.Any("error", err))
		}
	}
}

// reconnect tears down the current connections and retries up to
// ReconnectAttempts times with a fixed delay between attempts. The
// lock is held only around teardown and each connect attempt, never
// across the delay; State and Publish stay usable while reconnecting.
func (t *Transport) reconnect(ctx context.Context) (messageReader, error) {
	t.mu.Lock()
	t.closeLocked()
	t.state = StateDisconnected
	t.writeHealthy = false
	t.mu.Unlock()

	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.sleep(t.cfg.ReconnectDelay)

		t.logger.Info("reconnecting",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", t.cfg.ReconnectAttempts))
		t.mu.Lock()
		if err := t.connectLocked(ctx); err != nil {
			t.mu.Unlock()
			t.logger.Warn("reconnect attempt failed", slog.Any("error", err))
			continue
		}
		t.state = StateConsuming
		reader := t.reader
		t.mu.Unlock()
		return reader, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, t.cfg.ReconnectAttempts)
}

// Publish writes one record to the processed topic.
func (t *Transport) Publish(ctx context.Context, key, value []byte) error {
	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if writer == nil {
		return errors.New("transport: not connected")
	}

	ctx, span := tracer.Start(ctx, "transport.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", t.cfg.ProcessedTopic),
		attribute.Int("messaging.payload_bytes", len(value)))

	err := writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	t.mu.Lock()
	t.writeHealthy = err == nil
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", t.cfg.ProcessedTopic, err)
	}
	return nil
}

// ReadHealthy reports whether a broker answers a metadata request.
func (t *Transport) ReadHealthy(ctx context.Context) bool {
	return t.dialAny(ctx) == nil
}

func (t *Transport) dialAny(ctx context.Context) error {
	var lastErr error
	for _, addr := range t.cfg.Brokers {
		err := t.dial(ctx, addr)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return lastErr
}

// WriteHealthy reports whether the last write path interaction
// succeeded and the writer exists.
func (t *Transport) WriteHealthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writer != nil && t.writeHealthy
}

// Close shuts the reader and writer down and returns the transport to
// the Disconnected state.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.closeLocked()
	t.state = StateDisconnected
	t.writeHealthy = false
	return err
}

func (t *Transport) closeLocked() error {
	var errs []error
	if t.reader != nil {
		if err := t.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing reader: %w", err))
		}
		t.reader = nil
	}
	if t.writer != nil {
		if err := t.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing writer: %w", err))
		}
		t.writer = nil
	}
	return errors.Join(errs...)
}
