// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"reflect"
)

// A Future is the caller-side handle of an outstanding request/reply
// call. It resolves exactly once, to the value returned by the remote
// function. There is no cancellation of the request itself: a request
// whose reply never arrives blocks its waiter forever (callers may
// bound their own wait with the context).
type Future struct {
	handle uint64
	typ    reflect.Type
	done   chan struct{}
	value  interface{}
}

func newFuture(handle uint64, typ reflect.Type) *Future {
	return &Future{handle: handle, typ: typ, done: make(chan struct{})}
}

// complete resolves the future. The dispatcher guarantees it is
// called at most once per future.
func (f *Future) complete(v interface{}) {
	f.value = v
	close(f.done)
}

// Done returns a channel closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the reply arrives and returns the remote
// function's result, or ctx's error if the context ends first.
func (f *Future) Result(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
