// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package consensus implements distributed termination detection for
// pargraph clusters: a token-passing marker algorithm (after Misra,
// "Detecting Termination of Distributed Computations Using Markers",
// SIGOPS 1983) extended to machines that each run several worker
// goroutines.
//
// Each worker's main loop takes the form:
//
//	for {
//		// ... do work ...
//		if no local work {
//			cons.BeginDoneCriticalSection(worker)
//			if still no local work {
//				done, err := cons.EndDoneCriticalSection(ctx, worker)
//				if err != nil { return err }
//				if done { return nil }
//			} else {
//				cons.CancelCriticalSection(worker)
//			}
//		}
//	}
//
// A machine is quiescent only when all of its workers are asleep in
// EndDoneCriticalSection. The token circulates machine to machine in
// ring order carrying global sent/received call totals; consensus is
// reached when it completes a full lap with no machine folding in a
// change and with the totals balanced. Token and shutdown messages
// travel as control calls, which the dispatcher excludes from the very
// counters being compared; control traffic can therefore never keep
// the detector from converging.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/rpc"
)

var (
	receiveTokenFunc *rpc.FuncValue
	remoteDoneFunc   *rpc.FuncValue
)

// receiveToken forwards through its own handle, so registration moves
// to init to avoid an initialization cycle; the order stays
// deterministic.
func init() {
	receiveTokenFunc = rpc.RegisterMethod(receiveToken)
	remoteDoneFunc = rpc.RegisterMethod(remoteDone)
}

// A Token circulates machine to machine carrying the accumulated call
// totals and the machine that last changed them.
type Token struct {
	Sent       uint64
	Received   uint64
	LastChange cluster.ProcID
}

// A Consensus detects global quiescence of RPC-driven computation
// across the cluster. One instance per detection domain; all machines
// must construct their instances in the same order so that object ids
// agree.
type Consensus struct {
	d        *rpc.Dispatcher
	obj      rpc.ObjectID
	nworkers int

	// tryingToSleep counts workers between Begin and the end of
	// End/Cancel; read without the lock as a fast-path hint.
	tryingToSleep int64

	mu       sync.Mutex
	conds    []*ctxsync.Cond
	critical []bool
	sleeping []bool

	numActive int
	done      bool

	hasToken bool
	token    Token

	// Counter values at this machine's last token participation.
	lastSent     uint64
	lastReceived uint64
}

// New returns a detector over the dispatcher's call counters for a
// machine running nworkers workers. Machine 0 initially holds the
// token. The detector installs itself as the dispatcher's deliver
// hook so that arriving calls wake sleeping workers.
func New(d *rpc.Dispatcher, nworkers int) *Consensus {
	c := &Consensus{
		d:         d,
		nworkers:  nworkers,
		conds:     make([]*ctxsync.Cond, nworkers),
		critical:  make([]bool, nworkers),
		sleeping:  make([]bool, nworkers),
		numActive: nworkers,
		hasToken:  d.Self() == 0,
		// LastChange points at the end of the ring so that the initial
		// token cannot satisfy the full-lap condition before visiting
		// every machine.
		token: Token{LastChange: cluster.ProcID(d.N() - 1)},
	}
	for i := range c.conds {
		c.conds[i] = ctxsync.NewCond(&c.mu)
	}
	c.obj = d.RegisterObject(c)
	d.SetDeliverHook(c.Cancel)
	return c
}

// BeginDoneCriticalSection marks the calling worker as a termination
// candidate. It acquires the detector lock, which remains held until
// the matching EndDoneCriticalSection or CancelCriticalSection; the
// caller re-checks its local work condition in between, so that a
// work item arriving concurrently is never missed.
func (c *Consensus) BeginDoneCriticalSection(worker int) {
	atomic.AddInt64(&c.tryingToSleep, 1)
	c.mu.Lock()
	c.critical[worker] = true
}

// CancelCriticalSection aborts the candidacy begun by
// BeginDoneCriticalSection, releasing the detector lock.
func (c *Consensus) CancelCriticalSection(worker int) {
	c.critical[worker] = false
	atomic.AddInt64(&c.tryingToSleep, -1)
	c.mu.Unlock()
}

// EndDoneCriticalSection commits the candidacy: the worker sleeps
// until either global consensus is reached (returns true) or new work
// wakes it (returns false). The last local worker to go idle passes
// the token if this machine holds it. The context bounds only the
// local sleep; the detection protocol itself has no timeouts.
func (c *Consensus) EndDoneCriticalSection(ctx context.Context, worker int) (bool, error) {
	// Lock is held from BeginDoneCriticalSection.
	if c.done {
		c.critical[worker] = false
		atomic.AddInt64(&c.tryingToSleep, -1)
		c.mu.Unlock()
		return true, nil
	}
	c.numActive--
	must.True(c.numActive >= 0, "consensus: active worker count underflow")
	if c.numActive == 0 && c.hasToken {
		c.passToken()
	}
	c.sleeping[worker] = true
	for !c.done && c.critical[worker] {
		if err := c.conds[worker].Wait(ctx); err != nil {
			c.sleeping[worker] = false
			c.critical[worker] = false
			c.numActive++
			atomic.AddInt64(&c.tryingToSleep, -1)
			c.mu.Unlock()
			return false, err
		}
	}
	c.sleeping[worker] = false
	done := c.done
	c.critical[worker] = false
	c.numActive++
	atomic.AddInt64(&c.tryingToSleep, -1)
	c.mu.Unlock()
	return done, nil
}

// Cancel wakes every sleeping worker and aborts all candidacies,
// typically because new work has arrived.
func (c *Consensus) Cancel() {
	c.mu.Lock()
	c.cancelLocked()
	c.mu.Unlock()
}

func (c *Consensus) cancelLocked() {
	for i := range c.critical {
		if c.critical[i] {
			c.critical[i] = false
			if c.sleeping[i] {
				c.conds[i].Broadcast()
			}
		}
	}
}

// CancelOne wakes one specific sleeping worker.
func (c *Consensus) CancelOne(worker int) {
	c.mu.Lock()
	if c.critical[worker] {
		c.critical[worker] = false
		if c.sleeping[worker] {
			c.conds[worker].Broadcast()
		}
	}
	c.mu.Unlock()
}

// IsDone reports whether consensus has been reached.
func (c *Consensus) IsDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// ForceDone sets the local done flag and wakes all workers,
// bypassing the token protocol. It is an administrative override for
// shutdown paths, not an error-recovery mechanism.
func (c *Consensus) ForceDone() {
	c.mu.Lock()
	c.setDoneLocked()
	c.mu.Unlock()
}

// Reset re-arms the detector after a completed consensus so it can be
// used for a subsequent phase. It must be called on every machine
// while the cluster is globally quiescent (for example, right after
// all machines observed done).
func (c *Consensus) Reset() {
	c.mu.Lock()
	must.True(c.done, "consensus: reset before consensus was reached")
	c.done = false
	c.hasToken = c.d.Self() == 0
	c.token = Token{LastChange: cluster.ProcID(c.d.N() - 1)}
	c.lastSent = 0
	c.lastReceived = 0
	c.mu.Unlock()
}

func (c *Consensus) setDoneLocked() {
	c.done = true
	for i := range c.conds {
		c.conds[i].Broadcast()
	}
}

// passToken forwards the token to the next machine in ring order,
// folding in this machine's counter delta. Called with the lock held
// and all local workers idle. Consensus is declared when the token
// has completed a full lap (LastChange is this machine), this machine
// again has no delta to fold, and the carried totals balance.
func (c *Consensus) passToken() {
	must.True(c.hasToken, "consensus: passing a token this machine does not hold")
	must.True(c.numActive == 0, "consensus: passing the token with active workers")
	sent, received := c.d.CallsSent(), c.d.CallsReceived()
	changed := sent != c.lastSent || received != c.lastReceived
	if !changed && c.token.LastChange == c.d.Self() {
		if c.token.Sent == c.token.Received {
			log.Debug.Printf("consensus: machine %d: token lap complete, %d calls balanced", c.d.Self(), c.token.Sent)
			c.setDoneLocked()
			for p := 0; p < c.d.N(); p++ {
				if cluster.ProcID(p) == c.d.Self() {
					continue
				}
				c.d.ControlCallObject(cluster.ProcID(p), c.obj, remoteDoneFunc)
			}
			return
		}
		// A full unchanged lap with unbalanced totals means packets
		// are still in flight; keep circulating until the receiving
		// side counts them.
	}
	if changed {
		c.token.Sent += sent - c.lastSent
		c.token.Received += received - c.lastReceived
		c.token.LastChange = c.d.Self()
		c.lastSent = sent
		c.lastReceived = received
	}
	c.hasToken = false
	next := cluster.ProcID((int(c.d.Self()) + 1) % c.d.N())
	c.d.ControlCallObject(next, c.obj, receiveTokenFunc, c.token)
}

// receiveToken accepts the circulating token. If this machine is
// already quiescent the token moves on immediately; otherwise it is
// held until the last local worker goes idle.
func receiveToken(c *Consensus, tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	must.True(!c.hasToken, fmt.Sprintf("consensus: machine %d received a second token", c.d.Self()))
	c.hasToken = true
	c.token = tok
	if c.done {
		return
	}
	if c.numActive == 0 {
		c.passToken()
	}
}

// remoteDone is the broadcast from the machine that observed
// consensus.
func remoteDone(c *Consensus) {
	c.mu.Lock()
	c.setDoneLocked()
	c.mu.Unlock()
}
