// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package normalize turns heterogeneous raw log records into a uniform
// shape: message, timestamp, level, service and an open metadata map.
//
// Raw records arrive as JSON objects in whatever shape the shipper
// produced (Fluent Bit, docker, syslog relays). The normalizer is
// tolerant by design: every extraction has a precedence chain ending in
// a safe fallback, and nothing here returns an error for malformed
// fields.
package normalize

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Record is the normalized view of one raw log record.
type Record struct {
	Timestamp time.Time
	Level     string
	Service   string
	Message   string
	Metadata  map[string]any
}

// Field aliases tolerated on inbound records.
var (
	messageFields   = []string{"message", "log", "msg", "text"}
	timestampFields = []string{"@timestamp", "timestamp", "time", "date"}
)

var knownLevels = map[string]string{
	"DEBUG":    "DEBUG",
	"TRACE":    "TRACE",
	"INFO":     "INFO",
	"WARN":     "WARN",
	"WARNING":  "WARN",
	"ERROR":    "ERROR",
	"CRITICAL": "CRITICAL",
	"FATAL":    "FATAL",
}

var (
	// A level token counts only at the start of the message, delimited
	// by a colon, bracket or dash. Tokens elsewhere in the body are
	// mentions, not severity.
	leadingLevelPattern = regexp.MustCompile(`^\s*(?:\[(DEBUG|TRACE|INFO|WARNING|WARN|ERROR|CRITICAL|FATAL)\]|(DEBUG|TRACE|INFO|WARNING|WARN|ERROR|CRITICAL|FATAL)\s*[:\-])`)

	stackTracePattern = regexp.MustCompile(`(?i)(traceback \(most recent call last\)|^\s+at [\w.$]+\(|panic: |goroutine \d+ \[|\w+(Exception|Error): )`)

	httpStatusPattern = regexp.MustCompile(`(?:HTTP/\d\.\d"?\s+|status[=: ]\s*)(\d{3})\b`)

	servicePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)service[=:]\s*([^\s,]+)`),
		regexp.MustCompile(`(?i)app[=:]\s*([^\s,]+)`),
		regexp.MustCompile(`(?i)component[=:]\s*([^\s,]+)`),
	}

	timestampPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+\-]\d{2}:?\d{2})?`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`),
	}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"Jan 2 15:04:05",
}

// Normalizer extracts normalized fields from raw records. The now
// function is injectable for tests; it defaults to time.Now.
type Normalizer struct {
	now func() time.Time
}

// New builds a Normalizer.
func New() *Normalizer {
	return &Normalizer{now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock builds a Normalizer with a fixed clock. Used by tests.
func NewWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize extracts message, timestamp, level, service and metadata
// from one raw record.
func (n *Normalizer) Normalize(raw map[string]any) Record {
	message := ExtractMessage(raw)
	metadata := extractMetadataMap(raw)
	logType, _ := raw["log_type"].(string)

	level := n.extractLevel(message, metadata, stringField(raw, "level"))
	service := n.extractService(message, metadata, logType, extractServiceName(raw))
	timestamp := n.extractTimestamp(raw, message)

	metadata["extracted_level"] = level
	metadata["extracted_service"] = service
	if logType != "" {
		metadata["log_type"] = logType
	} else {
		metadata["log_type"] = "unknown"
	}

	return Record{
		Timestamp: timestamp,
		Level:     level,
		Service:   service,
		Message:   message,
		Metadata:  metadata,
	}
}

// ExtractMessage finds the log text under any tolerated alias. A value
// that is itself a JSON object string is unwrapped one level and the
// search recurses into it.
func ExtractMessage(raw map[string]any) string {
	for _, field := range messageFields {
		v, ok := raw[field]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if s == "" {
			continue
		}
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") {
			var nested map[string]any
			if err := json.Unmarshal([]byte(trimmed), &nested); err == nil {
				if inner := ExtractMessage(nested); inner != "" {
					return inner
				}
			}
		}
		return s
	}
	return ""
}

// extractServiceName pulls a service hint from container/tag fields.
func extractServiceName(raw map[string]any) string {
	if name := stringField(raw, "container_name"); name != "" {
		name = strings.TrimPrefix(name, "/")
		name = strings.TrimPrefix(name, "ai-log-")
		return name
	}
	if svc := stringField(raw, "service"); svc != "" {
		return svc
	}
	if tag := stringField(raw, "tag"); tag != "" {
		return strings.TrimPrefix(tag, "docker.")
	}
	return ""
}

// extractLevel resolves severity by precedence: explicit field,
// metadata, stack-trace detection, leading message token, HTTP status
// heuristic, then INFO.
func (n *Normalizer) extractLevel(message string, metadata map[string]any, explicit string) string {
	if lvl, ok := knownLevels[strings.ToUpper(strings.TrimSpace(explicit))]; ok {
		return lvl
	}
	if v, ok := metadata["level"]; ok {
		if s, ok := v.(string); ok {
			if lvl, ok := knownLevels[strings.ToUpper(strings.TrimSpace(s))]; ok {
				return lvl
			}
		}
	}
	if stackTracePattern.MatchString(message) {
		return "ERROR"
	}
	if m := leadingLevelPattern.FindStringSubmatch(strings.ToUpper(message)); m != nil {
		token := m[1]
		if token == "" {
			token = m[2]
		}
		return knownLevels[token]
	}
	if m := httpStatusPattern.FindStringSubmatch(message); m != nil {
		switch code := m[1]; {
		case code >= "500":
			return "ERROR"
		case code >= "400":
			return "WARN"
		case code >= "200":
			return "INFO"
		}
	}
	return "INFO"
}

// extractService resolves the service name by precedence: explicit
// field, metadata, key=value pattern, log type, known substrings, then
// "unknown".
func (n *Normalizer) extractService(message string, metadata map[string]any, logType, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v, ok := metadata["service"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	for _, p := range servicePatterns {
		if m := p.FindStringSubmatch(message); m != nil {
			return m[1]
		}
	}
	if logType != "" {
		return logType
	}
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "nginx"):
		return "nginx"
	case strings.Contains(lower, "postgres"), strings.Contains(lower, "database"):
		return "postgres"
	case strings.Contains(lower, "kafka"):
		return "kafka"
	}
	return "unknown"
}

// extractTimestamp resolves event time by precedence: explicit field
// under any alias, an ISO-like substring in the message, then ingestion
// time.
func (n *Normalizer) extractTimestamp(raw map[string]any, message string) time.Time {
	for _, field := range timestampFields {
		if s := stringField(raw, field); s != "" {
			if ts, ok := parseTimestamp(s); ok {
				return ts
			}
		}
	}
	for _, p := range timestampPatterns {
		if m := p.FindString(message); m != "" {
			if ts, ok := parseTimestamp(m); ok {
				return ts
			}
		}
	}
	return n.now()
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func extractMetadataMap(raw map[string]any) map[string]any {
	if m, ok := raw["metadata"].(map[string]any); ok {
		out := make(map[string]any, len(m)+3)
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return make(map[string]any, 3)
}

func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
