// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ingress implements streaming graph ingress: each machine
// consumes an externally supplied stream of edges, assigns every edge
// to an owning machine by a pluggable partitioning heuristic, and
// exchanges edges over RPC so that at finalize time each machine can
// build its local graph fragment, complete with per-vertex mirror
// sets.
//
// The heuristics balance edge counts across machines while keeping
// the replicas of any given vertex on as few machines as possible;
// their per-vertex bitsets and degree counters are ephemeral,
// discarded once finalize begins.
package ingress

import (
	"context"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/consensus"
	"github.com/grailbio/pargraph/graph"
	"github.com/grailbio/pargraph/rpc"
)

// Strategy selects the edge-assignment heuristic.
type Strategy int

const (
	// Random assigns by hashing the endpoint pair: stateless, needs
	// no lock, balances only as well as the hash does.
	Random Strategy = iota
	// Oblivious is the greedy heuristic: balance plus flat replica
	// bonuses.
	Oblivious
	// HDRF is the degree-weighted greedy heuristic for power-law
	// graphs.
	HDRF
)

// batchSize is the number of buffered records (edges, mirror records)
// that triggers transmission of a batch to its destination machine.
const batchSize = 512

var (
	recvEdgesFunc    = rpc.RegisterMethod(recvEdges)
	recvPresenceFunc = rpc.RegisterMethod(recvPresence)
	recvMirrorsFunc  = rpc.RegisterMethod(recvMirrors)
	phaseDoneFunc    = rpc.RegisterMethod(phaseDone)
)

// A mirrorRecord announces a vertex's owner and full replica set to
// every machine holding a replica.
type mirrorRecord struct {
	ID      graph.VertexID
	Owner   cluster.ProcID
	Mirrors *graph.ProcSet
}

// finalize phases for the marker barriers. Because packets from one
// sender are delivered in order, a machine that has received phase
// markers from every machine has necessarily received everything the
// phase sent to it.
const (
	phasePresence = iota
	phaseMirrors
)

// An Ingress streams edges into the cluster. AddEdge may be called
// concurrently by several loader goroutines; Finalize must be called
// exactly once per machine, by a single goroutine, after the
// machine's edge stream is exhausted.
//
// Every machine must construct its Ingress (and the consensus it
// uses) in the same order relative to other RPC objects, so that
// object ids agree across the cluster. The consensus must be
// dedicated to this ingress and configured with a single worker: the
// finalizing goroutine.
type Ingress struct {
	d        *rpc.Dispatcher
	cons     *consensus.Consensus
	strategy Strategy
	opts     Options
	obj      rpc.ObjectID

	mu   sync.Mutex
	cond *ctxsync.Cond

	// Ephemeral heuristic state, discarded at finalize.
	dht          map[graph.VertexID]*graph.ProcSet
	degrees      map[graph.VertexID]*uint64
	procNumEdges []uint64
	outbuf       [][]graph.Edge

	// Receive-side state.
	received   []graph.Edge
	presence   map[graph.VertexID]*graph.ProcSet
	records    map[graph.VertexID]mirrorRecord
	phaseCount map[int]int
}

// New returns this machine's ingress endpoint. cons must be a
// consensus instance dedicated to ingress with one worker.
func New(d *rpc.Dispatcher, cons *consensus.Consensus, strategy Strategy, opts Options) *Ingress {
	in := &Ingress{
		d:            d,
		cons:         cons,
		strategy:     strategy,
		opts:         opts,
		dht:          make(map[graph.VertexID]*graph.ProcSet),
		degrees:      make(map[graph.VertexID]*uint64),
		procNumEdges: make([]uint64, d.N()),
		outbuf:       make([][]graph.Edge, d.N()),
		presence:     make(map[graph.VertexID]*graph.ProcSet),
		records:      make(map[graph.VertexID]mirrorRecord),
		phaseCount:   make(map[int]int),
	}
	in.cond = ctxsync.NewCond(&in.mu)
	in.obj = d.RegisterObject(in)
	return in
}

// AddEdge assigns the edge to an owning machine and buffers it for
// transmission there. The data payload is opaque to ingress and may
// be nil.
func (in *Ingress) AddEdge(source, target graph.VertexID, data []byte) {
	var owner cluster.ProcID
	switch in.strategy {
	case Random:
		owner = EdgeToProcRandom(source, target, in.d.N())
	case Oblivious:
		in.mu.Lock()
		owner = EdgeToProcGreedy(source, target, in.procSet(source), in.procSet(target), in.procNumEdges, in.opts)
		in.mu.Unlock()
	case HDRF:
		in.mu.Lock()
		owner = EdgeToProcHDRF(source, target,
			in.procSet(source), in.procSet(target),
			in.degree(source), in.degree(target),
			in.procNumEdges, in.opts)
		in.mu.Unlock()
	default:
		log.Panicf("ingress: unknown strategy %d", in.strategy)
	}
	in.send(owner, graph.Edge{Source: source, Target: target, Data: data})
}

// procSet and degree return the ephemeral heuristic state for a
// vertex, creating it on first touch. Callers hold in.mu across the
// lookup and the heuristic's read-modify-write of the returned state.
func (in *Ingress) procSet(v graph.VertexID) *graph.ProcSet {
	s := in.dht[v]
	if s == nil {
		s = graph.NewProcSet(in.d.N())
		in.dht[v] = s
	}
	return s
}

func (in *Ingress) degree(v graph.VertexID) *uint64 {
	d := in.degrees[v]
	if d == nil {
		d = new(uint64)
		in.degrees[v] = d
	}
	return d
}

func (in *Ingress) send(owner cluster.ProcID, e graph.Edge) {
	var batch []graph.Edge
	in.mu.Lock()
	in.outbuf[owner] = append(in.outbuf[owner], e)
	if len(in.outbuf[owner]) >= batchSize {
		batch = in.outbuf[owner]
		in.outbuf[owner] = nil
	}
	in.mu.Unlock()
	if batch != nil {
		in.d.CallObject(owner, in.obj, recvEdgesFunc, batch)
	}
}

// Finalize drains the exchange and builds this machine's fragment:
//
//  1. Remaining edge batches are flushed; the termination detector
//     establishes that every machine has received every edge.
//  2. Ephemeral heuristic tables are discarded.
//  3. Each machine reports, for every vertex it received edges for,
//     its replica to the vertex's home machine (by hash); the home
//     machine accumulates the replica set.
//  4. Home machines choose each vertex's owner (hash-selected among
//     its replicas) and broadcast the mirror record to every replica
//     holder.
//  5. The fragment is assembled from received edges and mirror
//     records.
//
// Steps 3 and 4 are bounded by marker barriers rather than another
// consensus round: per-sender delivery order makes a marker from
// every machine proof that the phase's payload has arrived.
func (in *Ingress) Finalize(ctx context.Context) (*graph.Fragment, error) {
	self := in.d.Self()
	n := in.d.N()

	// Phase 1: drain the edge exchange.
	in.mu.Lock()
	outbuf := in.outbuf
	in.outbuf = make([][]graph.Edge, n)
	in.mu.Unlock()
	for p, batch := range outbuf {
		if len(batch) > 0 {
			in.d.CallObject(cluster.ProcID(p), in.obj, recvEdgesFunc, batch)
		}
	}
	if err := in.d.FlushAll(); err != nil {
		return nil, err
	}
	for {
		in.cons.BeginDoneCriticalSection(0)
		done, err := in.cons.EndDoneCriticalSection(ctx, 0)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}

	// Phase 2: discard ephemeral heuristic state.
	in.mu.Lock()
	in.dht = nil
	in.degrees = nil
	edges := in.received
	in.mu.Unlock()

	// Phase 3: report replica presence to each vertex's home machine.
	seen := make(map[graph.VertexID]bool)
	byHome := make([][]graph.VertexID, n)
	for _, e := range edges {
		for _, v := range []graph.VertexID{e.Source, e.Target} {
			if seen[v] {
				continue
			}
			seen[v] = true
			home := hashVertex(v) % uint32(n)
			byHome[home] = append(byHome[home], v)
		}
	}
	for p, vids := range byHome {
		if len(vids) > 0 {
			in.d.CallObject(cluster.ProcID(p), in.obj, recvPresenceFunc, self, vids)
		}
	}
	if err := in.barrier(ctx, phasePresence); err != nil {
		return nil, err
	}

	// Phase 4: select owners and broadcast mirror records.
	in.mu.Lock()
	presence := in.presence
	in.presence = nil
	in.mu.Unlock()
	byDst := make([][]mirrorRecord, n)
	for v, set := range presence {
		members := set.Members()
		owner := members[int(hashVertex(v))%len(members)]
		rec := mirrorRecord{ID: v, Owner: owner, Mirrors: set}
		for _, p := range members {
			byDst[p] = append(byDst[p], rec)
		}
	}
	for p, recs := range byDst {
		for len(recs) > 0 {
			batch := recs
			if len(batch) > batchSize {
				batch = batch[:batchSize]
			}
			recs = recs[len(batch):]
			in.d.CallObject(cluster.ProcID(p), in.obj, recvMirrorsFunc, batch)
		}
	}
	if err := in.barrier(ctx, phaseMirrors); err != nil {
		return nil, err
	}

	// Phase 5: assemble the fragment.
	builder := graph.NewBuilder(self)
	in.mu.Lock()
	for _, e := range edges {
		builder.AddEdge(e)
	}
	var err error
	for id, rec := range in.records {
		if e := builder.SetVertex(id, rec.Owner, rec.Mirrors); e != nil && err == nil {
			err = e
		}
	}
	in.received = nil
	in.records = nil
	in.mu.Unlock()
	if err != nil {
		return nil, err
	}
	frag := builder.Build()
	log.Printf("ingress: machine %d: finalized %d edges, %d vertices", self, frag.NumEdges(), frag.NumVertices())
	return frag, nil
}

// barrier announces completion of a finalize phase to every machine
// (itself included) and waits until every machine has announced.
func (in *Ingress) barrier(ctx context.Context, phase int) error {
	for p := 0; p < in.d.N(); p++ {
		in.d.CallObject(cluster.ProcID(p), in.obj, phaseDoneFunc, phase)
	}
	if err := in.d.FlushAll(); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.phaseCount[phase] < in.d.N() {
		if err := in.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func recvEdges(in *Ingress, edges []graph.Edge) {
	in.mu.Lock()
	in.received = append(in.received, edges...)
	in.mu.Unlock()
}

func recvPresence(in *Ingress, src cluster.ProcID, vids []graph.VertexID) {
	in.mu.Lock()
	for _, v := range vids {
		set := in.presence[v]
		if set == nil {
			set = graph.NewProcSet(in.d.N())
			in.presence[v] = set
		}
		set.Set(src)
	}
	in.mu.Unlock()
}

func recvMirrors(in *Ingress, recs []mirrorRecord) {
	in.mu.Lock()
	for _, rec := range recs {
		in.records[rec.ID] = rec
	}
	in.mu.Unlock()
}

func phaseDone(in *Ingress, phase int) {
	in.mu.Lock()
	in.phaseCount[phase]++
	in.cond.Broadcast()
	in.mu.Unlock()
}
