// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pargraph/cluster"
)

// A Transport delivers byte blobs to peer machines. Implementations
// must preserve the order of sends from one machine to another; no
// ordering is required across distinct senders. Send blocks for flow
// control but does not wait for remote processing.
type Transport interface {
	Send(dst cluster.ProcID, p []byte) error
}

// A Receiver handles a blob arriving from src. Receivers are invoked
// in per-sender send order. A receiver error stops delivery; it is
// surfaced by the transport's Wait (the joining thread), matching the
// escalated-thread-failure model.
type Receiver func(src cluster.ProcID, p []byte) error

// LocalNetwork is an in-process transport mesh connecting n endpoints,
// used by tests and single-process runs. Each endpoint delivers
// through a single ordered queue, so per-sender order (in fact, total
// arrival order per receiver) is preserved.
type LocalNetwork struct {
	endpoints []*LocalTransport
}

// NewLocalNetwork returns a mesh of n connected endpoints.
func NewLocalNetwork(n int) *LocalNetwork {
	ln := &LocalNetwork{endpoints: make([]*LocalTransport, n)}
	for i := range ln.endpoints {
		ln.endpoints[i] = &LocalTransport{
			id:    cluster.ProcID(i),
			net:   ln,
			queue: make(chan localDelivery, localQueueDepth),
			done:  make(chan struct{}),
		}
	}
	return ln
}

// Transport returns the endpoint for machine id.
func (ln *LocalNetwork) Transport(id cluster.ProcID) *LocalTransport {
	return ln.endpoints[id]
}

// localQueueDepth bounds per-endpoint buffering. A full queue blocks
// senders, providing crude flow control; as in the wider design, a
// cluster that deadlocks on mutual backpressure is a sizing error.
const localQueueDepth = 4096

type localDelivery struct {
	src cluster.ProcID
	p   []byte
}

// LocalTransport is one endpoint of a LocalNetwork.
type LocalTransport struct {
	id    cluster.ProcID
	net   *LocalNetwork
	queue chan localDelivery
	done  chan struct{}
	err   error

	// mu guards closed, serializing queue sends against Close so that
	// a racing Send cannot hit a closed channel.
	mu     sync.Mutex
	closed bool
}

// Start begins delivering received blobs to r on a dedicated
// goroutine. It must be called exactly once, before any peer sends.
func (t *LocalTransport) Start(r Receiver) {
	go func() {
		defer close(t.done)
		for d := range t.queue {
			if err := r(d.src, d.p); err != nil {
				t.err = err
				return
			}
		}
	}()
}

// Send implements Transport. The blob is copied, so the caller may
// reuse p immediately.
func (t *LocalTransport) Send(dst cluster.ProcID, p []byte) error {
	if int(dst) >= len(t.net.endpoints) {
		return errors.E(errors.Invalid, fmt.Errorf("local transport: no machine %d", dst))
	}
	q := make([]byte, len(p))
	copy(q, p)
	ep := t.net.endpoints[dst]
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return errors.E(errors.Net, fmt.Errorf("local transport: machine %d closed", dst))
	}
	select {
	case ep.queue <- localDelivery{src: t.id, p: q}:
		return nil
	case <-ep.done:
		return errors.E(errors.Net, fmt.Errorf("local transport: machine %d stopped: %v", dst, ep.err))
	}
}

// Wait blocks until the endpoint's delivery loop exits and returns
// the receiver error, if any, that stopped it. Close the endpoint
// first to initiate shutdown.
func (t *LocalTransport) Wait() error {
	<-t.done
	return t.err
}

// Close stops the delivery loop after draining queued blobs. It is
// safe to call concurrently with Send and more than once.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	return t.Wait()
}
