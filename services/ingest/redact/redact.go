// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package redact removes personal data from log messages before they are
// persisted or embedded.
//
// Redaction runs in ordered phases:
//
//  1. Deterministic regex replacement (IPv4, UUIDs, sensitive hostnames).
//     These never false-positive and never depend on the recognizer.
//  2. A technical-log bypass: kernel/syslog shaped text skips phase 3,
//     because the probabilistic recognizer misfires badly on it.
//  3. Probabilistic entity recognition with a confidence threshold and a
//     type exclusion list for entity types that collide with ordinary
//     log vocabulary.
//
// A recognizer failure degrades to the phase-1 output; it never aborts
// redaction. Redaction is idempotent: placeholder tokens are never
// re-redacted.
package redact

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Placeholder tokens substituted for detected entities.
const (
	PlaceholderEmail      = "[EMAIL]"
	PlaceholderPhone      = "[PHONE]"
	PlaceholderCreditCard = "[CREDIT_CARD]"
	PlaceholderSSN        = "[SSN]"
	PlaceholderIP         = "[IP]"
	PlaceholderUUID       = "[UUID]"
	PlaceholderHost       = "[HOST]"
	PlaceholderDefault    = "[REDACTED]"
)

// DefaultConfidenceThreshold is the minimum recognizer score for a span
// to be redacted.
const DefaultConfidenceThreshold = 0.7

var (
	// IPv4 with an optional port. Word boundaries keep version strings
	// like "2.4.1" from matching (they lack a fourth octet).
	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`)

	uuidPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`)

	// Kernel/syslog signatures that trigger the phase-3 bypass.
	kernelTimestampPattern = regexp.MustCompile(`\[\s*\d+\.\d{3,}\]`)
	sysCredTokenPattern    = regexp.MustCompile(`\b(?:pid|uid|gid|euid|auid)=\d+`)

	placeholderPattern = regexp.MustCompile(`\[[A-Z_]+\]`)
)

// sensitiveHosts are cloud-service hostnames that identify customer
// tenants and must never appear in stored messages.
var sensitiveHosts = []string{
	".s3.amazonaws.com",
	".blob.core.windows.net",
	".storage.googleapis.com",
	".documents.azure.com",
	".database.windows.net",
	".rds.amazonaws.com",
	".cache.amazonaws.com",
}

// excludedTypes are recognizer entity types that collide with ordinary
// log vocabulary and are therefore never redacted.
var excludedTypes = map[string]bool{
	"US_DRIVER_LICENSE": true,
	"DATE_TIME":         true,
	"URL":               true,
	"PERSON":            true,
	"LOCATION":          true,
	"NRP":               true,
}

// placeholderForType maps recognizer entity types to their tokens.
var placeholderForType = map[string]string{
	"EMAIL_ADDRESS": PlaceholderEmail,
	"PHONE_NUMBER":  PlaceholderPhone,
	"CREDIT_CARD":   PlaceholderCreditCard,
	"US_SSN":        PlaceholderSSN,
	"SSN":           PlaceholderSSN,
	"IP_ADDRESS":    PlaceholderIP,
}

// Engine performs PII redaction. The zero value is not usable; construct
// with NewEngine.
//
// Thread Safety: Safe for concurrent use. The engine holds no mutable
// state and recognizers are required to be concurrency-safe.
type Engine struct {
	threshold  float64
	recognizer Recognizer
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecognizer replaces the default pattern recognizer.
func WithRecognizer(r Recognizer) Option {
	return func(e *Engine) { e.recognizer = r }
}

// WithThreshold overrides the confidence threshold.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// NewEngine builds a redaction engine with the default pattern
// recognizer and confidence threshold.
func NewEngine(log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		threshold:  DefaultConfidenceThreshold,
		recognizer: NewPatternRecognizer(),
		logger:     log.With(slog.String("component", "redact")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Redact replaces detected entities in text with placeholder tokens and
// returns the redacted text together with a count per placeholder type.
// Empty input returns empty output and a nil count map.
func (e *Engine) Redact(text string) (string, map[string]int) {
	if text == "" {
		return "", nil
	}

	counts := make(map[string]int)

	// Phase 1: deterministic replacements.
	redacted := ipv4Pattern.ReplaceAllStringFunc(text, func(string) string {
		counts["IP"]++
		return PlaceholderIP
	})
	redacted = uuidPattern.ReplaceAllStringFunc(redacted, func(string) string {
		counts["UUID"]++
		return PlaceholderUUID
	})
	redacted = redactHostnames(redacted, counts)

	// Phase 2: kernel/syslog text bypasses the probabilistic phase.
	if isTechnicalLog(redacted) {
		if len(counts) == 0 {
			return redacted, nil
		}
		return redacted, counts
	}

	// Phase 3: probabilistic recognition. Failure keeps phase-1 output.
	spans, err := e.recognizer.Recognize(redacted)
	if err != nil {
		e.logger.Warn("recognizer failed, keeping deterministic redaction only",
			slog.String("error", err.Error()))
		if len(counts) == 0 {
			return redacted, nil
		}
		return redacted, counts
	}

	redacted = e.applySpans(redacted, spans, counts)
	if len(counts) == 0 {
		return redacted, nil
	}
	return redacted, counts
}

// applySpans replaces accepted spans back-to-front so earlier offsets
// stay valid.
func (e *Engine) applySpans(text string, spans []Span, counts map[string]int) string {
	accepted := spans[:0:0]
	for _, s := range spans {
		if s.Score < e.threshold || excludedTypes[s.Type] {
			continue
		}
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End {
			continue
		}
		// Never re-redact a placeholder produced by an earlier phase.
		if placeholderPattern.MatchString(text[s.Start:s.End]) {
			continue
		}
		accepted = append(accepted, s)
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start > accepted[j].Start })

	prevStart := len(text) + 1
	for _, s := range accepted {
		if s.End > prevStart {
			continue // overlaps a span already replaced
		}
		placeholder, ok := placeholderForType[s.Type]
		if !ok {
			placeholder = PlaceholderDefault
		}
		counts[strings.Trim(placeholder, "[]")]++
		text = text[:s.Start] + placeholder + text[s.End:]
		prevStart = s.Start
	}
	return text
}

func redactHostnames(text string, counts map[string]int) string {
	lower := strings.ToLower(text)
	for _, suffix := range sensitiveHosts {
		for {
			idx := strings.Index(lower, suffix)
			if idx < 0 {
				break
			}
			// Walk back to the start of the hostname label.
			start := idx
			for start > 0 && isHostChar(lower[start-1]) {
				start--
			}
			end := idx + len(suffix)
			counts["HOST"]++
			text = text[:start] + PlaceholderHost + text[end:]
			lower = lower[:start] + PlaceholderHost + lower[end:]
		}
	}
	return text
}

func isHostChar(c byte) bool {
	return c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// isTechnicalLog reports whether text looks like kernel or syslog
// output. Such lines rarely carry personal data and the recognizer
// produces many false positives on them.
func isTechnicalLog(text string) bool {
	return kernelTimestampPattern.MatchString(text) || sysCredTokenPattern.MatchString(text)
}
