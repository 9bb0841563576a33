// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/wire"
)

// Flags qualify a packet's payload and its accounting.
type Flags uint8

const (
	// flagControl marks internal traffic (token passing, shutdown)
	// that is excluded from the sent/received call counters on both
	// sides; control traffic must never itself be the work whose
	// quiescence the termination detector observes.
	flagControl Flags = 1 << iota
	// flagReply marks a payload carrying a request's result,
	// addressed by its pending-request handle.
	flagReply
	// flagRequest marks a call carrying a handle that expects a
	// reply.
	flagRequest
	// flagObject marks a call addressed to a registered object
	// instance rather than a free function.
	flagObject
)

// Packet layout:
//
//	[uint32 length][uint32 sender][uint8 flags][uint32 seqkey][payload]
//
// length counts payload bytes only and is patched in after the
// payload has been encoded. The payload is one marshalled call:
// [funcID][objectID?][handle?][arg0..argN], or [handle][result] for
// replies. Packets from one sender are decoded strictly in arrival
// order; there is no cross-sender ordering.
//
// seqkey is a reserved slot for transports that need explicit
// per-packet sequencing. Both supplied transports preserve per-sender
// order themselves, so the dispatcher writes 0 and ignores the slot
// on receive.
const headerLen = 13

type header struct {
	length uint32
	sender cluster.ProcID
	flags  Flags
	seq    uint32
}

// writeHeader reserves and writes a packet header at the buffer's
// current offset, returning the offset of the length slot for the
// later patch.
func writeHeader(b *wire.Buffer, sender cluster.ProcID, flags Flags, seq uint32) int {
	off := b.Len()
	b.WriteUint32(0) // length, patched by finishPacket
	b.WriteUint32(uint32(sender))
	b.WriteUint8(byte(flags))
	b.WriteUint32(seq)
	return off
}

// finishPacket patches the packet's length prefix once the payload is
// fully encoded.
func finishPacket(b *wire.Buffer, lenOff int) {
	b.PutUint32(lenOff, uint32(b.Len()-lenOff-headerLen))
}

func readHeader(d *wire.Decoder) header {
	return header{
		length: d.Uint32(),
		sender: cluster.ProcID(d.Uint32()),
		flags:  Flags(d.Byte()),
		seq:    d.Uint32(),
	}
}
