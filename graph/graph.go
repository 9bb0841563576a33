// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package graph defines the durable per-machine product of ingress: a
// Fragment holding the machine's local edges and, for every vertex
// those edges touch, the vertex's owner and mirror set. Fragments are
// read-mostly after finalize; later computation uses the mirror sets
// to synchronize vertex replicas across machines.
package graph

import (
	"fmt"

	"github.com/grailbio/pargraph/cluster"
)

// A VertexID identifies a vertex globally across the cluster.
type VertexID uint64

// An Edge is one edge record with its opaque application payload.
// Edges are the unit of ingress exchange.
type Edge struct {
	Source VertexID
	Target VertexID
	Data   []byte
}

// A VertexRecord describes one vertex known to a fragment: its owning
// machine and the full replica set (owner included).
type VertexRecord struct {
	ID      VertexID
	Owner   cluster.ProcID
	Mirrors *ProcSet
}

// A Fragment is one machine's share of the distributed graph.
type Fragment struct {
	self     cluster.ProcID
	edges    []Edge
	vertices map[VertexID]*VertexRecord
}

// Self returns the machine this fragment belongs to.
func (f *Fragment) Self() cluster.ProcID { return f.self }

// NumEdges returns the number of locally owned edges.
func (f *Fragment) NumEdges() int { return len(f.edges) }

// NumVertices returns the number of vertices the fragment holds a
// replica of.
func (f *Fragment) NumVertices() int { return len(f.vertices) }

// Edges returns the locally owned edges. The returned slice is owned
// by the fragment and must not be mutated.
func (f *Fragment) Edges() []Edge { return f.edges }

// Vertex returns the record for id, or nil if this machine holds no
// replica of it.
func (f *Fragment) Vertex(id VertexID) *VertexRecord {
	return f.vertices[id]
}

// Owns reports whether this machine owns vertex id.
func (f *Fragment) Owns(id VertexID) bool {
	v := f.vertices[id]
	return v != nil && v.Owner == f.self
}

// ForeachVertex calls fn for every vertex record in the fragment, in
// unspecified order.
func (f *Fragment) ForeachVertex(fn func(*VertexRecord)) {
	for _, v := range f.vertices {
		fn(v)
	}
}

// A Builder accumulates edges and vertex records during finalize and
// produces the immutable Fragment. The ingress component feeds a
// builder; it holds no reference into the fragment it produces.
type Builder struct {
	self     cluster.ProcID
	edges    []Edge
	vertices map[VertexID]*VertexRecord
}

// NewBuilder returns a builder for machine self's fragment.
func NewBuilder(self cluster.ProcID) *Builder {
	return &Builder{
		self:     self,
		vertices: make(map[VertexID]*VertexRecord),
	}
}

// AddEdge appends a locally owned edge.
func (b *Builder) AddEdge(e Edge) {
	b.edges = append(b.edges, e)
}

// SetVertex records the owner and mirror set of a vertex this machine
// replicates. Setting the same vertex twice is a protocol error.
func (b *Builder) SetVertex(id VertexID, owner cluster.ProcID, mirrors *ProcSet) error {
	if _, ok := b.vertices[id]; ok {
		return fmt.Errorf("graph: vertex %d set twice", id)
	}
	b.vertices[id] = &VertexRecord{ID: id, Owner: owner, Mirrors: mirrors}
	return nil
}

// Build produces the fragment. The builder must not be used
// afterwards.
func (b *Builder) Build() *Fragment {
	f := &Fragment{self: b.self, edges: b.edges, vertices: b.vertices}
	b.edges = nil
	b.vertices = nil
	return f
}
