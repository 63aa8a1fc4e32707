// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package redact

import (
	"regexp"
	"strings"
)

// Span is one candidate entity proposed by a recognizer. Offsets are
// byte offsets into the analyzed text.
type Span struct {
	Type  string
	Start int
	End   int
	Score float64
}

// Recognizer proposes typed entity spans with confidence scores.
//
// Implementations must be safe for concurrent use. A failed Recognize
// call degrades redaction to the deterministic phase only, so
// implementations should return an error rather than panic on bad input.
type Recognizer interface {
	Recognize(text string) ([]Span, error)
}

// PatternRecognizer is the built-in recognizer. It proposes entities
// from a fixed battery of patterns, each with a calibrated confidence:
// checksum-validated matches score high, shape-only matches score low
// enough that the engine threshold filters them.
type PatternRecognizer struct {
	patterns []entityPattern
}

type entityPattern struct {
	entityType string
	re         *regexp.Regexp
	score      float64
	// validate, when set, can veto a match or adjust its score.
	validate func(match string) (float64, bool)
}

// NewPatternRecognizer builds the default recognizer battery.
func NewPatternRecognizer() *PatternRecognizer {
	return &PatternRecognizer{
		patterns: []entityPattern{
			{
				entityType: "EMAIL_ADDRESS",
				re:         regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
				score:      1.0,
			},
			{
				entityType: "CREDIT_CARD",
				re:         regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
				score:      0.3,
				validate: func(match string) (float64, bool) {
					digits := digitsOnly(match)
					if len(digits) < 13 || len(digits) > 19 {
						return 0, false
					}
					if luhnValid(digits) {
						return 1.0, true
					}
					return 0.3, true
				},
			},
			{
				entityType: "US_SSN",
				re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				score:      0.85,
			},
			{
				entityType: "PHONE_NUMBER",
				re:         regexp.MustCompile(`(?:\+?\d{1,3}[ \-.])?\(?\d{3}\)?[ \-.]\d{3}[ \-.]\d{4}\b`),
				score:      0.75,
			},
			// Low-value types, emitted so the exclusion list has
			// something to exclude; scores mirror shape-only confidence.
			{
				entityType: "URL",
				re:         regexp.MustCompile(`\bhttps?://[^\s"']+`),
				score:      0.8,
			},
			{
				entityType: "DATE_TIME",
				re:         regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}\b`),
				score:      0.8,
			},
		},
	}
}

// Recognize proposes spans for every pattern match in text.
func (r *PatternRecognizer) Recognize(text string) ([]Span, error) {
	var spans []Span
	for _, p := range r.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			score := p.score
			if p.validate != nil {
				adjusted, ok := p.validate(text[loc[0]:loc[1]])
				if !ok {
					continue
				}
				score = adjusted
			}
			spans = append(spans, Span{
				Type:  p.entityType,
				Start: loc[0],
				End:   loc[1],
				Score: score,
			})
		}
	}
	return spans, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// luhnValid checks the Luhn checksum over a digit string.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
