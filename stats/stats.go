// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named atomic counters. pargraph uses them for
// the RPC dispatcher's sent/received call counters, which the
// termination detector reads, and for message-channel flow accounting.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a point-in-time snapshot of a counter map.
type Values map[string]int64

// String returns the values in this snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty counter map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if it
// does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// Snapshot adds the current value of every counter to vals.
func (m *Map) Snapshot(vals Values) {
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// An Int is an atomic integer counter. A nil *Int discards updates,
// so callers may plumb optional counters without nil checks.
type Int struct {
	val int64
}

// Add increments the counter by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
