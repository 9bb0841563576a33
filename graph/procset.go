// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"math/bits"

	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/wire"
)

// A ProcSet is a dense bitset over the machines of a cluster: one bit
// per ProcID. The ingress heuristics use ProcSets to track which
// machines already hold a replica of a vertex, and graph fragments
// store one per vertex as its mirror set.
type ProcSet struct {
	words []uint64
}

// NewProcSet returns an empty set sized for n machines.
func NewProcSet(n int) *ProcSet {
	return &ProcSet{words: make([]uint64, (n+63)/64)}
}

// Set adds machine p to the set.
func (s *ProcSet) Set(p cluster.ProcID) {
	s.words[p/64] |= 1 << (uint(p) % 64)
}

// Get reports whether machine p is in the set.
func (s *ProcSet) Get(p cluster.ProcID) bool {
	return s.words[p/64]&(1<<(uint(p)%64)) != 0
}

// Clear removes all machines from the set.
func (s *ProcSet) Clear() {
	for i := range s.words {
		s.words[i] = 0
	}
}

// Count returns the number of machines in the set.
func (s *ProcSet) Count() int {
	var n int
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Or adds every machine in t to s. The sets must be sized for the
// same cluster.
func (s *ProcSet) Or(t *ProcSet) {
	for i := range s.words {
		s.words[i] |= t.words[i]
	}
}

// Members returns the machines in the set in increasing id order.
func (s *ProcSet) Members() []cluster.ProcID {
	members := make([]cluster.ProcID, 0, s.Count())
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			members = append(members, cluster.ProcID(i*64+b))
			w &^= 1 << uint(b)
		}
	}
	return members
}

// MarshalWire implements wire.Marshaler.
func (s *ProcSet) MarshalWire(b *wire.Buffer) {
	b.WriteUint32(uint32(len(s.words)))
	for _, w := range s.words {
		b.WriteUint64(w)
	}
}

// UnmarshalWire implements wire.Unmarshaler.
func (s *ProcSet) UnmarshalWire(d *wire.Decoder) {
	n := int(d.Uint32())
	s.words = make([]uint64, n)
	for i := range s.words {
		s.words[i] = d.Uint64()
	}
}
