// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ingress

import (
	"math"

	"github.com/grailbio/base/must"
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/graph"
)

// scoreEpsilon bounds the float comparison that collects the
// top-scoring machines: all machines within scoreEpsilon of the
// maximum are tie candidates, and the edge hash selects among exactly
// those. Tie-breaking by hash rather than by first-found keeps
// assignment deterministic for a given edge and state while still
// spreading ties.
const scoreEpsilon = 1e-5

// Options adjust the greedy assignment heuristics.
type Options struct {
	// UseHash grants each endpoint an implicit replica on its
	// hash-partition machine (id mod nprocs), biasing greedy
	// assignment toward the placement random partitioning would have
	// chosen.
	UseHash bool
	// UseRecent clears each endpoint's replica bitset before
	// recording the new assignment, so only the most recent placement
	// is remembered. Trades locality lookahead for bounded memory on
	// high-degree vertices.
	UseRecent bool
}

// EdgeToProcRandom assigns (source, target) to a machine by hashing
// the normalized endpoint pair: deterministic, stateless, order
// independent, with no balancing beyond the hash's uniformity.
func EdgeToProcRandom(source, target graph.VertexID, nprocs int) cluster.ProcID {
	return cluster.ProcID(hashEdge(source, target) % uint32(nprocs))
}

// EdgeToProcRandomCandidates is EdgeToProcRandom restricted to a
// caller-supplied candidate set.
func EdgeToProcRandomCandidates(source, target graph.VertexID, candidates []cluster.ProcID) cluster.ProcID {
	return candidates[hashEdge(source, target)%uint32(len(candidates))]
}

// EdgeToProcGreedy assigns (source, target) by the oblivious greedy
// heuristic. Machine i's score is a balance term
//
//	(maxEdges - edges[i]) / (1 + maxEdges - minEdges)
//
// plus 1 for each endpoint that already has a replica on i. The edge
// goes to the top-scoring machine (hash-selected among ties), and the
// chosen machine is recorded in both endpoints' replica bitsets and
// the per-machine edge count.
//
// Score computation and state update are not atomic as a unit:
// concurrent callers must serialize calls that share bitsets or edge
// counts.
func EdgeToProcGreedy(source, target graph.VertexID, srcSet, dstSet *graph.ProcSet, procNumEdges []uint64, opts Options) cluster.ProcID {
	scores := greedyScores(source, target, srcSet, dstSet, procNumEdges, opts, nil, nil, nil)
	best := pickBest(source, target, scores, nil)
	commit(best, srcSet, dstSet, procNumEdges, opts)
	return best
}

// EdgeToProcGreedyCandidates is EdgeToProcGreedy with assignment
// restricted to a candidate set; balance is still computed against
// the full cluster's edge counts.
func EdgeToProcGreedyCandidates(source, target graph.VertexID, srcSet, dstSet *graph.ProcSet, candidates []cluster.ProcID, procNumEdges []uint64, opts Options) cluster.ProcID {
	scores := greedyScores(source, target, srcSet, dstSet, procNumEdges, opts, nil, nil, candidates)
	best := pickBest(source, target, scores, candidates)
	commit(best, srcSet, dstSet, procNumEdges, opts)
	return best
}

// EdgeToProcHDRF assigns (source, target) by the HDRF heuristic
// (Petroni et al., "HDRF: Stream-Based Partitioning for Power-Law
// Graphs", CIKM 2015). It differs from the oblivious heuristic in
// weighting the replica bonus by relative degree: an existing replica
// of endpoint u on machine i scores 1 + (1 - f(u)) where
// f(u) = (degree(u)+1) / (degree(u)+degree(v)+2). Low-degree
// endpoints thus pull their edges toward their existing replicas,
// while high-degree hubs are placed wherever balance dictates. True
// degrees are incremented for both endpoints on every edge,
// regardless of placement.
func EdgeToProcHDRF(source, target graph.VertexID, srcSet, dstSet *graph.ProcSet, srcTrueDegree, dstTrueDegree *uint64, procNumEdges []uint64, opts Options) cluster.ProcID {
	degU := float64(*srcTrueDegree + 1)
	degV := float64(*dstTrueDegree + 1)
	sum := degU + degV
	fu := degU / sum
	fv := degV / sum
	scores := greedyScores(source, target, srcSet, dstSet, procNumEdges, opts, &fu, &fv, nil)
	best := pickBest(source, target, scores, nil)
	commit(best, srcSet, dstSet, procNumEdges, opts)
	*srcTrueDegree++
	*dstTrueDegree++
	return best
}

// greedyScores computes the per-machine scores shared by the greedy
// variants. fu/fv, when non-nil, select HDRF's degree-weighted
// replica bonuses; otherwise the bonus is a flat +1 per endpoint.
// candidates, when non-nil, restricts scoring to that set (scores for
// other machines are -Inf).
func greedyScores(source, target graph.VertexID, srcSet, dstSet *graph.ProcSet, procNumEdges []uint64, opts Options, fu, fv *float64, candidates []cluster.ProcID) []float64 {
	nprocs := len(procNumEdges)
	minEdges, maxEdges := procNumEdges[0], procNumEdges[0]
	for _, n := range procNumEdges[1:] {
		if n < minEdges {
			minEdges = n
		}
		if n > maxEdges {
			maxEdges = n
		}
	}
	scores := make([]float64, nprocs)
	if candidates != nil {
		for i := range scores {
			scores[i] = math.Inf(-1)
		}
	}
	procs := candidates
	if procs == nil {
		procs = allProcs(nprocs)
	}
	for _, p := range procs {
		i := int(p)
		sd := srcSet.Get(p) || (opts.UseHash && uint64(source)%uint64(nprocs) == uint64(i))
		td := dstSet.Get(p) || (opts.UseHash && uint64(target)%uint64(nprocs) == uint64(i))
		score := float64(maxEdges-procNumEdges[i]) / (1 + float64(maxEdges-minEdges))
		switch {
		case fu != nil:
			if sd {
				score += 1 + (1 - *fu)
			}
			if td {
				score += 1 + (1 - *fv)
			}
		default:
			if sd {
				score++
			}
			if td {
				score++
			}
		}
		scores[i] = score
	}
	return scores
}

// pickBest collects all machines within scoreEpsilon of the maximum
// score and hashes the edge among exactly those.
func pickBest(source, target graph.VertexID, scores []float64, candidates []cluster.ProcID) cluster.ProcID {
	procs := candidates
	if procs == nil {
		procs = allProcs(len(scores))
	}
	max := math.Inf(-1)
	for _, p := range procs {
		if scores[p] > max {
			max = scores[p]
		}
	}
	top := make([]cluster.ProcID, 0, len(procs))
	for _, p := range procs {
		if math.Abs(scores[p]-max) < scoreEpsilon {
			top = append(top, p)
		}
	}
	must.True(len(top) > 0, "ingress: no assignable machine")
	return top[hashEdge(source, target)%uint32(len(top))]
}

func commit(best cluster.ProcID, srcSet, dstSet *graph.ProcSet, procNumEdges []uint64, opts Options) {
	if opts.UseRecent {
		srcSet.Clear()
		dstSet.Clear()
	}
	srcSet.Set(best)
	dstSet.Set(best)
	procNumEdges[best]++
}

func allProcs(n int) []cluster.ProcID {
	procs := make([]cluster.ProcID, n)
	for i := range procs {
		procs[i] = cluster.ProcID(i)
	}
	return procs
}
