// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/message"
	"github.com/grailbio/pargraph/stats"
	"github.com/grailbio/pargraph/wire"
)

// An ObjectID names a live object instance registered with a
// dispatcher. Objects must be registered in identical order on every
// machine so that the same id resolves to the corresponding instance
// everywhere.
type ObjectID int

// A Dispatcher issues outbound calls into message-channel buffers and
// dispatches inbound packets to registered functions and objects. It
// maintains the monotonic sent/received call counters observed by the
// termination detector: every non-control packet (calls and replies
// alike) increments the sender's sent counter at issue time and the
// receiver's received counter at dispatch time.
type Dispatcher struct {
	self    cluster.ProcID
	n       int
	channel *message.Channel

	sent     *stats.Int
	received *stats.Int

	lastHandle uint64 // atomic

	mu      sync.Mutex
	objects []interface{}
	pending map[uint64]*Future

	hook atomic.Value // func(), wakeup on non-control dispatch
}

// NewDispatcher returns a dispatcher for machine self in a cluster of
// n machines, transmitting through the provided channel. Counters are
// registered in the provided stats map under "calls-sent" and
// "calls-received".
func NewDispatcher(self cluster.ProcID, n int, channel *message.Channel, m *stats.Map) *Dispatcher {
	return &Dispatcher{
		self:     self,
		n:        n,
		channel:  channel,
		sent:     m.Int("calls-sent"),
		received: m.Int("calls-received"),
		pending:  make(map[uint64]*Future),
	}
}

// Self returns this machine's id.
func (d *Dispatcher) Self() cluster.ProcID { return d.self }

// N returns the cluster size.
func (d *Dispatcher) N() int { return d.n }

// CallsSent returns the total number of non-control packets issued by
// this machine.
func (d *Dispatcher) CallsSent() uint64 { return uint64(d.sent.Get()) }

// CallsReceived returns the total number of non-control packets
// dispatched on this machine.
func (d *Dispatcher) CallsReceived() uint64 { return uint64(d.received.Get()) }

// RegisterObject registers a live object instance for remote method
// dispatch and returns its id. As with function registration, objects
// must be registered in identical order on every machine.
func (d *Dispatcher) RegisterObject(obj interface{}) ObjectID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects = append(d.objects, obj)
	return ObjectID(len(d.objects) - 1)
}

// SetDeliverHook installs a function invoked after every non-control
// inbound dispatch. The termination detector uses it to wake sleeping
// workers when fresh work arrives.
func (d *Dispatcher) SetDeliverHook(hook func()) {
	d.hook.Store(hook)
}

// Call issues a one-way call of f on machine dst. The call is
// buffered; transmission happens on the channel's next flush.
func (d *Dispatcher) Call(dst cluster.ProcID, f *FuncValue, args ...interface{}) {
	d.issue(dst, 0, f, 0, args)
}

// ControlCall is Call for internal control traffic, excluded from the
// call counters.
func (d *Dispatcher) ControlCall(dst cluster.ProcID, f *FuncValue, args ...interface{}) {
	d.issue(dst, flagControl, f, 0, args)
}

// CallObject issues a one-way call of method f on the object
// registered as obj on machine dst.
func (d *Dispatcher) CallObject(dst cluster.ProcID, obj ObjectID, f *FuncValue, args ...interface{}) {
	d.issue(dst, flagObject, f, obj, args)
}

// ControlCallObject is CallObject for control traffic.
func (d *Dispatcher) ControlCallObject(dst cluster.ProcID, obj ObjectID, f *FuncValue, args ...interface{}) {
	d.issue(dst, flagObject|flagControl, f, obj, args)
}

// Request issues f on machine dst and returns a future resolving to
// its result. f must have been registered with a result type.
func (d *Dispatcher) Request(dst cluster.ProcID, f *FuncValue, args ...interface{}) *Future {
	return d.issue(dst, flagRequest, f, 0, args)
}

// RequestObject is Request addressed to a registered object.
func (d *Dispatcher) RequestObject(dst cluster.ProcID, obj ObjectID, f *FuncValue, args ...interface{}) *Future {
	return d.issue(dst, flagRequest|flagObject, f, obj, args)
}

// Flush forces transmission of all buffered packets for dst.
func (d *Dispatcher) Flush(dst cluster.ProcID) error { return d.channel.Flush(dst) }

// FlushAll forces transmission to every machine.
func (d *Dispatcher) FlushAll() error { return d.channel.FlushAll() }

func (d *Dispatcher) issue(dst cluster.ProcID, flags Flags, f *FuncValue, obj ObjectID, args []interface{}) *Future {
	f.typecheck(args)
	if f.method != (flags&flagObject != 0) {
		log.Panicf("rpc: %s: object/function call shape mismatch", f.fn.Type())
	}
	if flags&flagRequest != 0 && f.ret == nil {
		log.Panicf("rpc: %s: request of a function with no result", f.fn.Type())
	}
	var fut *Future
	b := d.channel.Acquire(dst)
	lenOff := writeHeader(b, d.self, flags, 0)
	b.WriteUint64(uint64(f.index))
	if flags&flagObject != 0 {
		b.WriteUint64(uint64(obj))
	}
	if flags&flagRequest != 0 {
		handle := atomic.AddUint64(&d.lastHandle, 1)
		fut = newFuture(handle, f.ret)
		d.mu.Lock()
		d.pending[handle] = fut
		d.mu.Unlock()
		b.WriteUint64(handle)
	}
	for _, arg := range args {
		wire.Encode(b, arg)
	}
	finishPacket(b, lenOff)
	control := flags&flagControl != 0
	// The sent counter is incremented before the packet reaches the
	// transport; the termination detector's unchanged-token-lap rule
	// absorbs the window in which the receiver has not yet counted it.
	d.channel.Release(dst, b, control)
	if !control {
		d.sent.Add(1)
	}
	d.channel.FlushSoon(dst)
	return fut
}

// reply sends the result of a dispatched request back to its caller.
func (d *Dispatcher) reply(dst cluster.ProcID, handle uint64, result reflect.Value, control bool) {
	flags := flagReply
	if control {
		flags |= flagControl
	}
	b := d.channel.Acquire(dst)
	lenOff := writeHeader(b, d.self, flags, 0)
	b.WriteUint64(handle)
	wire.EncodeValue(b, result)
	finishPacket(b, lenOff)
	d.channel.Release(dst, b, control)
	if !control {
		d.sent.Add(1)
	}
	d.channel.FlushSoon(dst)
}

// Deliver decodes and dispatches a blob of packets arriving from src.
// It is the transport's Receiver: packets from one sender are
// dispatched in arrival order on the delivering goroutine. Panics in
// user handlers (and fatal codec or dispatch violations) are recovered
// here and surfaced as the delivery error, propagating to whoever
// joins the transport.
func (d *Dispatcher) Deliver(src cluster.ProcID, p []byte) (err error) {
	defer func() {
		if e := recover(); e != nil {
			if recovered, ok := e.(error); ok && errors.Recover(recovered).Severity == errors.Fatal {
				err = recovered
				return
			}
			err = errors.E(errors.Fatal, fmt.Errorf("rpc: dispatch from machine %d: %v\n%s", src, e, debug.Stack()))
		}
	}()
	dec := wire.NewDecoder(p)
	for dec.Remaining() > 0 {
		h := readHeader(dec)
		payload := dec.Next(int(h.length))
		d.dispatch(src, h.flags, wire.NewDecoder(payload))
	}
	return nil
}

func (d *Dispatcher) dispatch(src cluster.ProcID, flags Flags, pd *wire.Decoder) {
	control := flags&flagControl != 0
	if flags&flagReply != 0 {
		handle := pd.Uint64()
		d.mu.Lock()
		fut := d.pending[handle]
		delete(d.pending, handle)
		d.mu.Unlock()
		if fut == nil {
			// Unknown handle: either a duplicate reply delivery or a
			// reply to a request this process never issued. Both are
			// protocol violations; fail fast rather than resolve a
			// future twice.
			panic(errors.E(errors.Fatal, fmt.Errorf("rpc: reply from machine %d for unknown or completed request %x", src, handle)))
		}
		rv := reflect.New(fut.typ)
		wire.DecodeValue(pd, rv.Elem())
		if !control {
			d.received.Add(1)
		}
		fut.complete(rv.Elem().Interface())
		return
	}
	f := funcByIndex(pd.Uint64())
	argv := make([]reflect.Value, 0, len(f.args))
	if f.method {
		if flags&flagObject == 0 {
			panic(errors.E(errors.Fatal, fmt.Errorf("rpc: method %s called without an object id", f.fn.Type())))
		}
		argv = append(argv, reflect.ValueOf(d.object(ObjectID(pd.Uint64()), f.args[0])))
	}
	var handle uint64
	if flags&flagRequest != 0 {
		handle = pd.Uint64()
	}
	for _, typ := range f.args[len(argv):] {
		rv := reflect.New(typ)
		wire.DecodeValue(pd, rv.Elem())
		argv = append(argv, rv.Elem())
	}
	out := f.fn.Call(argv)
	if !control {
		d.received.Add(1)
	}
	if flags&flagRequest != 0 {
		d.reply(src, handle, out[0], control)
	}
	if !control {
		if hook, ok := d.hook.Load().(func()); ok && hook != nil {
			hook()
		}
	}
}

// object resolves an object id to its live local instance, checking
// it against the method's receiver type. A dangling id is a
// programming error: the object was never registered here, or the
// machines registered objects in different orders.
func (d *Dispatcher) object(id ObjectID, typ reflect.Type) interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 0 || int(id) >= len(d.objects) {
		panic(errors.E(errors.Fatal, fmt.Errorf("rpc: no object registered with id %d", id)))
	}
	obj := d.objects[id]
	if !reflect.TypeOf(obj).AssignableTo(typ) {
		panic(errors.E(errors.Fatal, fmt.Errorf("rpc: object %d has type %T, want %s", id, obj, typ)))
	}
	return obj
}
