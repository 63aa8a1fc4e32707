// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package anomaly

import (
	"math"
	"math/rand"
)

// isolationForest is an ensemble of randomized isolation trees. Points
// that isolate in few splits sit in sparse regions of embedding space
// and score close to 1; dense-region points score near or below 0.5.
type isolationForest struct {
	trees     []*itreeNode
	subsample int
}

type itreeNode struct {
	splitDim int
	splitVal float32
	left     *itreeNode
	right    *itreeNode
	size     int // leaf population, 0 for internal nodes
}

const (
	defaultEstimators = 100
	defaultSubsample  = 256
	// Expected proportion of anomalies, used for the prediction cutoff.
	defaultContamination = 0.1
)

// newIsolationForest trains estimators trees on random subsamples of
// data. The seed makes training deterministic.
func newIsolationForest(data [][]float32, estimators, subsample int, seed int64) *isolationForest {
	if estimators <= 0 {
		estimators = defaultEstimators
	}
	if subsample <= 0 || subsample > len(data) {
		subsample = len(data)
		if subsample > defaultSubsample {
			subsample = defaultSubsample
		}
	}
	rng := rand.New(rand.NewSource(seed))
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	forest := &isolationForest{subsample: subsample}
	for i := 0; i < estimators; i++ {
		idxs := rng.Perm(len(data))[:subsample]
		sample := make([][]float32, subsample)
		for j, idx := range idxs {
			sample[j] = data[idx]
		}
		forest.trees = append(forest.trees, buildITree(sample, 0, maxDepth, rng))
	}
	return forest
}

func buildITree(data [][]float32, depth, maxDepth int, rng *rand.Rand) *itreeNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &itreeNode{size: len(data)}
	}

	dims := len(data[0])
	// Pick a dimension with spread; give up after a bounded number of
	// draws so duplicate-heavy samples terminate.
	var splitDim = -1
	var lo, hi float32
	for try := 0; try < dims; try++ {
		d := rng.Intn(dims)
		lo, hi = data[0][d], data[0][d]
		for _, v := range data {
			if v[d] < lo {
				lo = v[d]
			}
			if v[d] > hi {
				hi = v[d]
			}
		}
		if hi > lo {
			splitDim = d
			break
		}
	}
	if splitDim < 0 {
		return &itreeNode{size: len(data)}
	}

	splitVal := lo + rng.Float32()*(hi-lo)

	var left, right [][]float32
	for _, v := range data {
		if v[splitDim] < splitVal {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &itreeNode{size: len(data)}
	}

	return &itreeNode{
		splitDim: splitDim,
		splitVal: splitVal,
		left:     buildITree(left, depth+1, maxDepth, rng),
		right:    buildITree(right, depth+1, maxDepth, rng),
	}
}

// score returns the anomaly score of v, higher = more anomalous.
func (f *isolationForest) score(v []float32) float64 {
	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, v, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/averagePathLength(f.subsample))
}

func pathLength(node *itreeNode, v []float32, depth int) float64 {
	if node.left == nil {
		return float64(depth) + averagePathLength(node.size)
	}
	if v[node.splitDim] < node.splitVal {
		return pathLength(node.left, v, depth+1)
	}
	return pathLength(node.right, v, depth+1)
}

// averagePathLength is c(n), the expected path length of an
// unsuccessful BST search over n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}
