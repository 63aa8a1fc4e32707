// Copyright (C) 2025 Siftlog Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cluster

import (
	"math"
	"sort"
)

// hdbscan implements density-based hierarchical clustering over cosine
// distance. The pipeline is the standard one: core distances from the
// minSamples-th nearest neighbor, mutual reachability weights, a
// minimum spanning tree built with Prim's algorithm, a single-linkage
// hierarchy condensed by minClusterSize, and excess-of-mass cluster
// selection on the condensed tree. Points in no selected cluster are
// labeled Outlier.
//
// Memory stays O(n): pairwise distances are recomputed row by row
// rather than materialized, which keeps the 20k-point ceiling workable.

// Outlier is the label for points assigned to no cluster.
const Outlier = -1

const minLambdaDistance = 1e-10

// hdbscanLabels clusters the given unit-normalized vectors and returns
// one label per point. Labels are dense, deterministic and start at 0.
func hdbscanLabels(vectors [][]float32, minClusterSize, minSamples int) []int {
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Outlier
	}
	if minClusterSize < 2 {
		minClusterSize = 2
	}
	if minSamples <= 0 {
		minSamples = minClusterSize
	}
	if n < minClusterSize {
		return labels
	}
	if minSamples > n-1 {
		minSamples = n - 1
	}

	core := coreDistances(vectors, minSamples)
	edges := mutualReachabilityMST(vectors, core)
	hierarchy := singleLinkage(edges, n)
	condensed := condenseTree(hierarchy, n, minClusterSize)
	selected := selectClusters(condensed, n)
	return labelPoints(condensed, selected, n)
}

// cosineDistance assumes both vectors are unit-normalized.
func cosineDistance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	d := 1 - dot
	if d < 0 {
		return 0
	}
	return d
}

// normalize scales each vector to unit length in place-safe copies.
func normalize(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		norm = math.Sqrt(norm)
		nv := make([]float32, len(v))
		if norm > 0 {
			for j, x := range v {
				nv[j] = float32(float64(x) / norm)
			}
		}
		out[i] = nv
	}
	return out
}

// coreDistances returns, for each point, the distance to its k-th
// nearest neighbor.
func coreDistances(vectors [][]float32, k int) []float64 {
	n := len(vectors)
	core := make([]float64, n)
	row := make([]float64, n)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				row[j] = math.Inf(1)
				continue
			}
			row[j] = cosineDistance(vectors[i], vectors[j])
		}
		core[i] = kthSmallest(row, k)
	}
	return core
}

// kthSmallest selects the k-th smallest value (1-based) without
// disturbing the caller's use of row afterwards.
func kthSmallest(row []float64, k int) float64 {
	tmp := make([]float64, len(row))
	copy(tmp, row)
	sort.Float64s(tmp)
	return tmp[k-1]
}

type mstEdge struct {
	a, b   int
	weight float64
}

// mutualReachabilityMST runs Prim's algorithm over the complete graph
// weighted by mutual reachability distance.
func mutualReachabilityMST(vectors [][]float32, core []float64) []mstEdge {
	n := len(vectors)
	inTree := make([]bool, n)
	minWeight := make([]float64, n)
	minSource := make([]int, n)
	for i := range minWeight {
		minWeight[i] = math.Inf(1)
		minSource[i] = -1
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true

	for len(edges) < n-1 {
		next := -1
		nextWeight := math.Inf(1)
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			d := cosineDistance(vectors[current], vectors[j])
			if core[current] > d {
				d = core[current]
			}
			if core[j] > d {
				d = core[j]
			}
			if d < minWeight[j] {
				minWeight[j] = d
				minSource[j] = current
			}
			if minWeight[j] < nextWeight {
				nextWeight = minWeight[j]
				next = j
			}
		}
		edges = append(edges, mstEdge{a: minSource[next], b: next, weight: nextWeight})
		inTree[next] = true
		current = next
	}
	return edges
}

// hierarchyNode is one merge in the single-linkage dendrogram. Leaves
// are ids 0..n-1; merge i produces id n+i.
type hierarchyNode struct {
	left, right int
	dist        float64
	size        int
}

// singleLinkage converts sorted MST edges into a dendrogram via
// union-find.
func singleLinkage(edges []mstEdge, n int) []hierarchyNode {
	sort.Slice(edges, func(i, j int) bool { return edges[i].weight < edges[j].weight })

	parent := make([]int, 2*n-1)
	size := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
		size[i] = 1
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	nodes := make([]hierarchyNode, 0, n-1)
	for i, e := range edges {
		ra, rb := find(e.a), find(e.b)
		id := n + i
		nodes = append(nodes, hierarchyNode{
			left:  ra,
			right: rb,
			dist:  e.weight,
			size:  size[ra] + size[rb],
		})
		parent[ra] = id
		parent[rb] = id
		size[id] = size[ra] + size[rb]
	}
	return nodes
}

// condensedEdge links a condensed cluster to a child: another cluster
// (child >= n) or a single point (child < n) that fell out at lambda.
type condensedEdge struct {
	parent, child int
	lambda        float64
	size          int
}

// condenseTree prunes the dendrogram to clusters of at least
// minClusterSize. Cluster ids start at n; the root cluster is n.
func condenseTree(hierarchy []hierarchyNode, n, minClusterSize int) []condensedEdge {
	if len(hierarchy) == 0 {
		return nil
	}

	// leavesUnder collects the original points below a dendrogram node.
	var leavesUnder func(node int) []int
	leavesUnder = func(node int) []int {
		if node < n {
			return []int{node}
		}
		h := hierarchy[node-n]
		return append(leavesUnder(h.left), leavesUnder(h.right)...)
	}

	nodeSize := func(node int) int {
		if node < n {
			return 1
		}
		return hierarchy[node-n].size
	}

	var edges []condensedEdge
	nextCluster := n + 1

	type frame struct {
		node      int // dendrogram node id, always >= n
		condensed int // condensed cluster the node belongs to
	}
	root := 2*n - 2
	stack := []frame{{node: root, condensed: n}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		h := hierarchy[f.node-n]
		lambda := math.Inf(1)
		if h.dist > minLambdaDistance {
			lambda = 1 / h.dist
		}

		leftSize, rightSize := nodeSize(h.left), nodeSize(h.right)
		leftBig := leftSize >= minClusterSize
		rightBig := rightSize >= minClusterSize

		switch {
		case leftBig && rightBig:
			// True split: both sides become new clusters.
			leftID := nextCluster
			nextCluster++
			rightID := nextCluster
			nextCluster++
			edges = append(edges,
				condensedEdge{parent: f.condensed, child: leftID, lambda: lambda, size: leftSize},
				condensedEdge{parent: f.condensed, child: rightID, lambda: lambda, size: rightSize})
			if h.left >= n {
				stack = append(stack, frame{node: h.left, condensed: leftID})
			}
			if h.right >= n {
				stack = append(stack, frame{node: h.right, condensed: rightID})
			}

		case leftBig:
			// Right side falls out point by point; the cluster
			// continues through the left side.
			for _, pt := range leavesUnder(h.right) {
				edges = append(edges, condensedEdge{parent: f.condensed, child: pt, lambda: lambda, size: 1})
			}
			if h.left >= n {
				stack = append(stack, frame{node: h.left, condensed: f.condensed})
			}

		case rightBig:
			for _, pt := range leavesUnder(h.left) {
				edges = append(edges, condensedEdge{parent: f.condensed, child: pt, lambda: lambda, size: 1})
			}
			if h.right >= n {
				stack = append(stack, frame{node: h.right, condensed: f.condensed})
			}

		default:
			// Cluster dissolves entirely.
			for _, pt := range leavesUnder(h.left) {
				edges = append(edges, condensedEdge{parent: f.condensed, child: pt, lambda: lambda, size: 1})
			}
			for _, pt := range leavesUnder(h.right) {
				edges = append(edges, condensedEdge{parent: f.condensed, child: pt, lambda: lambda, size: 1})
			}
		}
	}
	return edges
}

// selectClusters applies excess-of-mass selection and returns the set
// of chosen condensed cluster ids. The root cluster is never chosen,
// so a dataset forming one uniform blob yields all outliers only when
// no stable sub-cluster exists.
func selectClusters(condensed []condensedEdge, n int) map[int]bool {
	if len(condensed) == 0 {
		return nil
	}

	birth := map[int]float64{}
	children := map[int][]int{}
	var clusterIDs []int
	seen := map[int]bool{}

	for _, e := range condensed {
		if e.child >= n {
			birth[e.child] = e.lambda
			children[e.parent] = append(children[e.parent], e.child)
		}
		if !seen[e.parent] {
			seen[e.parent] = true
			clusterIDs = append(clusterIDs, e.parent)
		}
	}
	for _, e := range condensed {
		if e.child >= n && !seen[e.child] {
			seen[e.child] = true
			clusterIDs = append(clusterIDs, e.child)
		}
	}

	stability := map[int]float64{}
	for _, e := range condensed {
		lambda := e.lambda
		if math.IsInf(lambda, 1) {
			lambda = 1 / minLambdaDistance
		}
		stability[e.parent] += (lambda - birth[e.parent]) * float64(e.size)
	}

	// Deepest clusters have the largest ids; walking ids in reverse
	// visits children before parents.
	sort.Sort(sort.Reverse(sort.IntSlice(clusterIDs)))

	selected := map[int]bool{}
	propagated := map[int]float64{}
	root := n

	for _, c := range clusterIDs {
		childSum := 0.0
		for _, ch := range children[c] {
			childSum += propagated[ch]
		}
		if c == root {
			// Root stands for "everything"; keep its children.
			propagated[c] = childSum
			continue
		}
		if len(children[c]) == 0 || stability[c] >= childSum {
			selected[c] = true
			propagated[c] = stability[c]
			unselectDescendants(c, children, selected)
		} else {
			propagated[c] = childSum
		}
	}
	return selected
}

func unselectDescendants(c int, children map[int][]int, selected map[int]bool) {
	for _, ch := range children[c] {
		delete(selected, ch)
		unselectDescendants(ch, children, selected)
	}
}

// labelPoints maps each point to the selected cluster it fell out of,
// directly or through deselected descendants. Labels are renumbered
// densely in cluster-id order.
func labelPoints(condensed []condensedEdge, selected map[int]bool, n int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = Outlier
	}
	if len(selected) == 0 {
		return labels
	}

	parentOf := map[int]int{}
	pointParent := make([]int, n)
	for i := range pointParent {
		pointParent[i] = -1
	}
	for _, e := range condensed {
		if e.child >= n {
			parentOf[e.child] = e.parent
		} else {
			pointParent[e.child] = e.parent
		}
	}

	ids := make([]int, 0, len(selected))
	for c := range selected {
		ids = append(ids, c)
	}
	sort.Ints(ids)
	labelFor := map[int]int{}
	for i, c := range ids {
		labelFor[c] = i
	}

	for pt := 0; pt < n; pt++ {
		c := pointParent[pt]
		for c >= n {
			if selected[c] {
				labels[pt] = labelFor[c]
				break
			}
			next, ok := parentOf[c]
			if !ok {
				break
			}
			c = next
		}
	}
	return labels
}
