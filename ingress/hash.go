// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ingress

import (
	"encoding/binary"

	"github.com/grailbio/pargraph/graph"
	"github.com/spaolacci/murmur3"
)

// hashEdge hashes an undirected edge deterministically: the endpoint
// pair is normalized to (min, max) so that (s, t) and (t, s) hash
// identically, then hashed with murmur3 over its little-endian
// layout. Every machine computes the same hash for the same edge,
// which the partitioning heuristics rely on for reproducible
// tie-breaking.
func hashEdge(source, target graph.VertexID) uint32 {
	lo, hi := source, target
	if lo > hi {
		lo, hi = hi, lo
	}
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(lo))
	binary.LittleEndian.PutUint64(b[8:16], uint64(hi))
	return murmur3.Sum32(b[:])
}

// hashVertex hashes a vertex id for home-machine selection during
// finalize.
func hashVertex(v graph.VertexID) uint32 {
	return hash64(uint64(v))
}

// hash32 is the 32-bit integer hashing function from
// http://burtleburtle.net/bob/hash/integer.html. (Public domain.)
func hash32(x uint32) uint32 {
	x = (x + 0x7ed55d16) + (x << 12)
	x = (x ^ 0xc761c23c) ^ (x >> 19)
	x = (x + 0x165667b1) + (x << 5)
	x = (x + 0xd3a2646c) ^ (x << 9)
	x = (x + 0xfd7046c5) + (x << 3)
	x = (x ^ 0xb55a4f09) ^ (x >> 16)
	return x
}

// hash64 uses hash32 to compute a 64-bit integer hash.
func hash64(x uint64) uint32 {
	lo := hash32(uint32(x))
	hi := hash32(uint32(x >> 32))
	return lo ^ hi
}
