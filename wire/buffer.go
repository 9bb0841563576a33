// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements pargraph's binary wire codec: type-directed
// encoding of values into growable byte buffers, and the exactly
// mirrored decoding. The codec assumes that the sender and receiver
// agree on type layouts; there is no schema negotiation, and a decode
// that would run past the end of the available buffer is a fatal
// contract violation rather than a recoverable error.
//
// Fixed-size values are written in little-endian layout. The cluster
// is assumed to be layout-homogeneous; this is a documented limitation
// carried over from the design pargraph derives from.
package wire

import "encoding/binary"

// A Buffer is a growable byte sequence with an implicit write offset
// at its end. Growth is amortized geometric. A Buffer is owned
// exclusively by a single writer until it is handed off (for example,
// released back to a message channel); it is not safe for concurrent
// use.
type Buffer struct {
	buf []byte
}

// NewBuffer returns a buffer with the provided initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Len returns the number of bytes written to the buffer.
func (b *Buffer) Len() int { return len(b.buf) }

// Bytes returns the written bytes. The returned slice aliases the
// buffer's storage and is valid only until the next write or Reset.
func (b *Buffer) Bytes() []byte { return b.buf }

// Reset truncates the buffer, retaining its storage for reuse.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

// Write appends p to the buffer.
func (b *Buffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// WriteUint8 appends a single byte.
func (b *Buffer) WriteUint8(c byte) {
	b.buf = append(b.buf, c)
}

// WriteUint16 appends v in little-endian layout.
func (b *Buffer) WriteUint16(v uint16) {
	b.buf = append(b.buf, byte(v), byte(v>>8))
}

// WriteUint32 appends v in little-endian layout.
func (b *Buffer) WriteUint32(v uint32) {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], v)
	b.buf = append(b.buf, p[:]...)
}

// WriteUint64 appends v in little-endian layout.
func (b *Buffer) WriteUint64(v uint64) {
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], v)
	b.buf = append(b.buf, p[:]...)
}

// PutUint32 patches a previously written 32-bit slot at offset off.
// It is used to fix up length prefixes that are computed only after
// the prefixed content has been encoded.
func (b *Buffer) PutUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:off+4], v)
}
