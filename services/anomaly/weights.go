// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package anomaly

import "strings"

// Per-level anomaly weights. Low-severity levels dominate log volume,
// so a point is only flagged when the statistical test fires and
// either its weight is at least alwaysFlagWeight or its raw score
// clears baseline divided by the weight. An INFO log at weight 0.3
// therefore needs roughly triple the score an ERROR log needs.
var levelWeights = map[string]float64{
	"ERROR":    1.0,
	"CRITICAL": 1.0,
	"FATAL":    1.0,
	"WARN":     0.8,
	"WARNING":  0.8,
	"INFO":     0.3,
	"DEBUG":    0.2,
	"TRACE":    0.1,
}

const (
	defaultLevelWeight = 0.5
	alwaysFlagWeight   = 0.8
)

// WeightForLevel returns the anomaly weight for a log level. Unknown
// levels get the default weight.
func WeightForLevel(level string) float64 {
	if w, ok := levelWeights[strings.ToUpper(level)]; ok {
		return w
	}
	return defaultLevelWeight
}

// flagged applies the level-weighted decision rule to a point whose
// statistical test already fired.
func flagged(statisticalAnomaly bool, score, baseline, weight float64) bool {
	if !statisticalAnomaly {
		return false
	}
	if weight >= alwaysFlagWeight {
		return true
	}
	if weight <= 0 {
		return false
	}
	return score > baseline/weight
}
