// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestMap(t *testing.T) {
	m := NewMap()
	c := m.Int("sent")
	c.Add(3)
	if got := m.Int("sent"); got != c {
		t.Error("Int returned a different counter for the same name")
	}
	m.Int("received").Add(2)
	vals := make(Values)
	m.Snapshot(vals)
	if got, want := vals.String(), "received:2 sent:3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilInt(t *testing.T) {
	var c *Int
	c.Add(5)
	if got := c.Get(); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}
