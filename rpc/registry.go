// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rpc implements pargraph's dispatch core: remote calls and
// request/reply exchanges between the machines of a cluster, encoded
// with the wire codec and buffered through message channels.
//
// Remote-callable functions are registered once per process and
// addressed by their registration ordinal. We rely on deterministic
// registration order (package-level variable initialization, which Go
// guarantees for a single build), so the same ordinal names the same
// function on every machine. This replaces the older
// function-pointer-as-dispatch-key scheme, which required identical
// binary layout across the cluster.
package rpc

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

var (
	funcs []*FuncValue
	// funcsBusy detects races in registration; registration must be
	// confined to package initialization.
	funcsBusy int32
)

// A FuncValue represents a registered remote-callable function. Its
// registration index is the stable dispatch key shared by all
// machines.
type FuncValue struct {
	fn     reflect.Value
	args   []reflect.Type
	ret    reflect.Type // nil for one-way-only functions
	index  int
	method bool // args[0] is a registered-object receiver
}

// NumIn returns the number of call arguments (excluding a method's
// receiver).
func (f *FuncValue) NumIn() int {
	if f.method {
		return len(f.args) - 1
	}
	return len(f.args)
}

// Register registers a free function for remote invocation and
// returns its handle. fn may take any number of wire-encodable
// arguments and return at most one wire-encodable result (required to
// serve requests). Registration must happen in identical order on
// every machine; package-level variable initialization is the
// intended idiom:
//
//	var pingFunc = rpc.Register(ping)
//
// A function that calls through its own handle must instead assign it
// in an init function, which keeps the order deterministic without an
// initialization cycle.
func Register(fn interface{}) *FuncValue {
	return register(fn, false)
}

// RegisterMethod registers a function whose first argument is a
// receiver resolved at dispatch time from a registered object id. The
// remaining arguments and result follow the Register rules.
func RegisterMethod(fn interface{}) *FuncValue {
	return register(fn, true)
}

func register(fn interface{}, method bool) *FuncValue {
	fv := reflect.ValueOf(fn)
	ftype := fv.Type()
	if ftype.Kind() != reflect.Func {
		log.Panicf("rpc.Register: argument is a %T, not a func", fn)
	}
	if method && ftype.NumIn() == 0 {
		log.Panicf("rpc.RegisterMethod: %s takes no receiver argument", ftype)
	}
	if ftype.NumOut() > 1 {
		log.Panicf("rpc.Register: %s returns %d values; at most one is supported", ftype, ftype.NumOut())
	}
	v := &FuncValue{fn: fv, method: method}
	if ftype.NumOut() == 1 {
		v.ret = ftype.Out(0)
	}
	for i := 0; i < ftype.NumIn(); i++ {
		v.args = append(v.args, ftype.In(i))
	}
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("rpc.Register: data race in registration")
	}
	v.index = len(funcs)
	funcs = append(funcs, v)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("rpc.Register: data race in registration")
	}
	return v
}

// funcByIndex resolves a dispatch ordinal received off the wire. A
// dangling ordinal means the cluster is running mismatched
// registrations; that is a programming error, not a transient fault.
func funcByIndex(index uint64) *FuncValue {
	if index >= uint64(len(funcs)) {
		panic(errors.E(errors.Fatal, fmt.Errorf("rpc: no registered function with index %d", index)))
	}
	return funcs[index]
}

// typecheck verifies call arguments against the registered signature.
// A mismatch panics: argument types are fixed by the caller's code,
// so this is a programming error.
func (f *FuncValue) typecheck(args []interface{}) {
	expect := f.args
	if f.method {
		expect = expect[1:]
	}
	if len(args) != len(expect) {
		log.Panicf("rpc: %s: wrong number of arguments: have %d, want %d", f.fn.Type(), len(args), len(expect))
	}
	for i, arg := range args {
		if have := reflect.TypeOf(arg); have != expect[i] {
			log.Panicf("rpc: %s: wrong type for argument %d: have %s, want %s", f.fn.Type(), i, have, expect[i])
		}
	}
}
