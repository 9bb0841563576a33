// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/message"
	"github.com/grailbio/pargraph/stats"
	"github.com/grailbio/pargraph/wire"
	"github.com/grailbio/testutil/assert"
)

var (
	recordFunc = RegisterMethod(record)
	totalFunc  = RegisterMethod(total)
	sumFunc    = Register(sum)
)

// A recorder accumulates delivered values in arrival order.
type recorder struct {
	mu     sync.Mutex
	values []uint64
}

func record(r *recorder, v uint64) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func total(r *recorder) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum uint64
	for _, v := range r.values {
		sum += v
	}
	return sum
}

func (r *recorder) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.values...)
}

func sum(a, b uint64) uint64 { return a + b }

// testEnv is an in-process cluster: one dispatcher per machine,
// connected through a LocalNetwork.
type testEnv struct {
	dispatchers []*Dispatcher
	recorders   []*recorder
	obj         ObjectID
	network     *message.LocalNetwork
	channels    []*message.Channel
}

func newTestEnv(t *testing.T, n int) *testEnv {
	t.Helper()
	env := &testEnv{network: message.NewLocalNetwork(n)}
	for i := 0; i < n; i++ {
		self := cluster.ProcID(i)
		ch := message.NewChannel(env.network.Transport(self), n, time.Millisecond, nil)
		d := NewDispatcher(self, n, ch, stats.NewMap())
		r := new(recorder)
		env.obj = d.RegisterObject(r)
		env.network.Transport(self).Start(d.Deliver)
		env.channels = append(env.channels, ch)
		env.dispatchers = append(env.dispatchers, d)
		env.recorders = append(env.recorders, r)
	}
	return env
}

func (e *testEnv) shutdown() {
	for _, ch := range e.channels {
		ch.Close()
	}
	for i := range e.dispatchers {
		e.network.Transport(cluster.ProcID(i)).Close()
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestCallCounters(t *testing.T) {
	env := newTestEnv(t, 3)
	defer env.shutdown()
	d0 := env.dispatchers[0]
	d0.CallObject(1, env.obj, recordFunc, uint64(7))
	d0.CallObject(2, env.obj, recordFunc, uint64(9))
	waitUntil(t, func() bool {
		return len(env.recorders[1].snapshot()) == 1 && len(env.recorders[2].snapshot()) == 1
	})
	assert.EQ(t, env.recorders[1].snapshot(), []uint64{7})
	assert.EQ(t, env.recorders[2].snapshot(), []uint64{9})
	assert.EQ(t, d0.CallsSent(), uint64(2))
	assert.EQ(t, d0.CallsReceived(), uint64(0))
	assert.EQ(t, env.dispatchers[1].CallsReceived(), uint64(1))
	assert.EQ(t, env.dispatchers[2].CallsReceived(), uint64(1))
	assert.EQ(t, env.dispatchers[1].CallsSent(), uint64(0))
}

func TestControlCallCounters(t *testing.T) {
	env := newTestEnv(t, 2)
	defer env.shutdown()
	env.dispatchers[0].ControlCallObject(1, env.obj, recordFunc, uint64(3))
	waitUntil(t, func() bool { return len(env.recorders[1].snapshot()) == 1 })
	assert.EQ(t, env.dispatchers[0].CallsSent(), uint64(0))
	assert.EQ(t, env.dispatchers[1].CallsReceived(), uint64(0))
}

func TestRequestReply(t *testing.T) {
	env := newTestEnv(t, 2)
	defer env.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fut := env.dispatchers[0].Request(1, sumFunc, uint64(3), uint64(4))
	res, err := fut.Result(ctx)
	assert.NoError(t, err)
	assert.EQ(t, res, uint64(7))
	// The request and its reply each count once on each side.
	assert.EQ(t, env.dispatchers[0].CallsSent(), uint64(1))
	assert.EQ(t, env.dispatchers[0].CallsReceived(), uint64(1))
	assert.EQ(t, env.dispatchers[1].CallsSent(), uint64(1))
	assert.EQ(t, env.dispatchers[1].CallsReceived(), uint64(1))
}

func TestRequestObject(t *testing.T) {
	env := newTestEnv(t, 2)
	defer env.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d0 := env.dispatchers[0]
	d0.CallObject(1, env.obj, recordFunc, uint64(5))
	d0.CallObject(1, env.obj, recordFunc, uint64(6))
	fut := d0.RequestObject(1, env.obj, totalFunc)
	res, err := fut.Result(ctx)
	assert.NoError(t, err)
	// Per-sender ordering: both records precede the request.
	assert.EQ(t, res, uint64(11))
}

func TestSelfCall(t *testing.T) {
	env := newTestEnv(t, 2)
	defer env.shutdown()
	d0 := env.dispatchers[0]
	d0.CallObject(0, env.obj, recordFunc, uint64(1))
	waitUntil(t, func() bool { return len(env.recorders[0].snapshot()) == 1 })
	assert.EQ(t, d0.CallsSent(), uint64(1))
	assert.EQ(t, d0.CallsReceived(), uint64(1))
}

func TestPerSenderOrdering(t *testing.T) {
	const nmsg = 200
	env := newTestEnv(t, 2)
	defer env.shutdown()
	for i := 0; i < nmsg; i++ {
		env.dispatchers[0].CallObject(1, env.obj, recordFunc, uint64(i))
	}
	waitUntil(t, func() bool { return len(env.recorders[1].snapshot()) == nmsg })
	got := env.recorders[1].snapshot()
	for i, v := range got {
		if v != uint64(i) {
			t.Fatalf("message %d: got %d", i, v)
		}
	}
}

func TestDeliverHook(t *testing.T) {
	env := newTestEnv(t, 2)
	defer env.shutdown()
	var (
		mu    sync.Mutex
		hooks int
	)
	env.dispatchers[1].SetDeliverHook(func() {
		mu.Lock()
		hooks++
		mu.Unlock()
	})
	env.dispatchers[0].CallObject(1, env.obj, recordFunc, uint64(1))
	env.dispatchers[0].ControlCallObject(1, env.obj, recordFunc, uint64(2))
	waitUntil(t, func() bool { return len(env.recorders[1].snapshot()) == 2 })
	mu.Lock()
	defer mu.Unlock()
	// Control dispatches must not fire the hook.
	assert.EQ(t, hooks, 1)
}

func TestUnknownReply(t *testing.T) {
	env := newTestEnv(t, 2)
	defer env.shutdown()
	b := wire.NewBuffer(64)
	off := writeHeader(b, 1, flagReply, 0)
	b.WriteUint64(99) // no such pending request
	finishPacket(b, off)
	err := env.dispatchers[0].Deliver(1, b.Bytes())
	if err == nil || errors.Recover(err).Severity != errors.Fatal {
		t.Errorf("got %v, want fatal error", err)
	}
}

func TestFutureContext(t *testing.T) {
	fut := newFuture(1, reflect.TypeOf(uint64(0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fut.Result(ctx); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestTypecheck(t *testing.T) {
	env := newTestEnv(t, 1)
	defer env.shutdown()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for wrong argument type")
			}
		}()
		env.dispatchers[0].CallObject(0, env.obj, recordFunc, int(1))
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for wrong arity")
			}
		}()
		env.dispatchers[0].CallObject(0, env.obj, recordFunc)
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic requesting a resultless function")
			}
		}()
		env.dispatchers[0].RequestObject(0, env.obj, recordFunc, uint64(1))
	}()
}
