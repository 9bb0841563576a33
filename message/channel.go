// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package message implements pargraph's message channel: per-peer
// accumulation of encoded packets into buffers, with explicit and
// deferred flushing onto a transport. The channel performs no network
// I/O except in Flush; everything else is in-memory bookkeeping.
package message

import (
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/stats"
	"github.com/grailbio/pargraph/wire"
)

const (
	// DefaultFlushInterval is the period of the background flusher
	// that services FlushSoon requests. It trades latency for fewer,
	// larger transport writes.
	DefaultFlushInterval = time.Millisecond

	// initialBufferSize is the starting capacity of channel buffers.
	// Buffers grow geometrically from here.
	initialBufferSize = 1 << 10
)

// A Channel accumulates outbound bytes per destination machine.
// Writers obtain an exclusively-owned buffer with Acquire, encode one
// or more packets into it, and hand it back with Release; released
// segments are queued in release order and transmitted, concatenated,
// by Flush. Per-destination release order is therefore also the
// delivery order, provided the transport preserves the order of sends
// to a single destination (both supplied transports do).
type Channel struct {
	transport Transport
	targets   []*target
	bytesSent *stats.Int

	stop chan struct{}
	done chan struct{}
}

type target struct {
	mu      sync.Mutex
	free    []*wire.Buffer // buffers available to Acquire
	pending []*wire.Buffer // released, unflushed, in release order
	dirty   bool           // a FlushSoon is outstanding

	// sendMu serializes whole flush operations so that concurrent
	// flushes (foreground and the background flusher) cannot reorder
	// segments on the transport.
	sendMu sync.Mutex
}

// NewChannel returns a channel transmitting to n machines over the
// provided transport, with a background flusher waking every
// flushInterval to service deferred flushes. A zero flushInterval
// selects DefaultFlushInterval. The bytes counter, if non-nil, is
// incremented with the size of every non-control release.
func NewChannel(t Transport, n int, flushInterval time.Duration, bytes *stats.Int) *Channel {
	if flushInterval == 0 {
		flushInterval = DefaultFlushInterval
	}
	c := &Channel{
		transport: t,
		targets:   make([]*target, n),
		bytesSent: bytes,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range c.targets {
		c.targets[i] = new(target)
	}
	go c.flusher(flushInterval)
	return c
}

// Acquire returns a buffer owned exclusively by the caller for
// encoding packets destined for dst. The buffer must be returned with
// Release; it must not be retained afterwards.
func (c *Channel) Acquire(dst cluster.ProcID) *wire.Buffer {
	t := c.targets[dst]
	t.mu.Lock()
	if n := len(t.free); n > 0 {
		b := t.free[n-1]
		t.free = t.free[:n-1]
		t.mu.Unlock()
		return b
	}
	t.mu.Unlock()
	return wire.NewBuffer(initialBufferSize)
}

// Release returns buffer ownership to the channel, queueing its
// contents for the next flush to dst. Control traffic is excluded
// from the sent-bytes counter. Release performs no I/O.
func (c *Channel) Release(dst cluster.ProcID, b *wire.Buffer, control bool) {
	if !control {
		c.bytesSent.Add(int64(b.Len()))
	}
	t := c.targets[dst]
	t.mu.Lock()
	if b.Len() == 0 {
		t.free = append(t.free, b)
	} else {
		t.pending = append(t.pending, b)
	}
	t.mu.Unlock()
}

// Flush transmits all pending bytes for dst. It is the only channel
// operation that performs transport I/O. Transport write failures are
// not retried here; the caller escalates them as fatal.
func (c *Channel) Flush(dst cluster.ProcID) error {
	t := c.targets[dst]
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.dirty = false
	t.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	var total int
	for _, b := range pending {
		total += b.Len()
	}
	blob := make([]byte, 0, total)
	for _, b := range pending {
		blob = append(blob, b.Bytes()...)
		b.Reset()
	}
	t.mu.Lock()
	t.free = append(t.free, pending...)
	t.mu.Unlock()
	return c.transport.Send(dst, blob)
}

// FlushAll flushes every destination.
func (c *Channel) FlushAll() error {
	for dst := range c.targets {
		if err := c.Flush(cluster.ProcID(dst)); err != nil {
			return err
		}
	}
	return nil
}

// FlushSoon requests a deferred flush for dst. Many small sends issued
// in a tight window coalesce into a single transport write when they
// all use FlushSoon rather than Flush.
func (c *Channel) FlushSoon(dst cluster.ProcID) {
	t := c.targets[dst]
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()
}

// Close stops the background flusher after a final flush of all
// destinations.
func (c *Channel) Close() error {
	close(c.stop)
	<-c.done
	return c.FlushAll()
}

func (c *Channel) flusher(interval time.Duration) {
	defer close(c.done)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-tick.C:
		}
		for dst, t := range c.targets {
			t.mu.Lock()
			dirty := t.dirty
			t.mu.Unlock()
			if !dirty {
				continue
			}
			if err := c.Flush(cluster.ProcID(dst)); err != nil {
				// A failed transport write leaves the peers with
				// mismatched wire state; it is not locally fixable.
				log.Fatalf("message: flush to machine %d: %v", dst, err)
			}
		}
	}
}
