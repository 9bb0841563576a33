// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/testutil/assert"
)

func TestTCPTransport(t *testing.T) {
	const nmsg = 50
	var (
		mu  sync.Mutex
		got []string
		src cluster.ProcID
	)
	recv := func(from cluster.ProcID, p []byte) error {
		mu.Lock()
		src = from
		got = append(got, string(p))
		mu.Unlock()
		return nil
	}
	t0, err := NewTCPTransport(cluster.Config{
		Self:     0,
		Machines: []string{"127.0.0.1:0", "127.0.0.1:0"},
	}, recv)
	assert.NoError(t, err)
	defer t0.Close()

	t1, err := NewTCPTransport(cluster.Config{
		Self:     1,
		Machines: []string{t0.Addr().String(), "127.0.0.1:0"},
	}, func(from cluster.ProcID, p []byte) error { return nil })
	assert.NoError(t, err)
	defer t1.Close()

	for i := 0; i < nmsg; i++ {
		assert.NoError(t, t1.Send(0, []byte(fmt.Sprint(i))))
	}
	for deadline := time.Now().Add(10 * time.Second); ; {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == nmsg {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d of %d messages", n, nmsg)
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.EQ(t, src, cluster.ProcID(1))
	for i, s := range got {
		if s != fmt.Sprint(i) {
			t.Fatalf("message %d: got %q", i, s)
		}
	}
}

// TestTCPTransportConcurrentDial checks that a send stuck retrying a
// dial to an unreachable machine does not stall sends to reachable
// peers.
func TestTCPTransportConcurrentDial(t *testing.T) {
	// Reserve an address with no listener behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	dead := l.Addr().String()
	assert.NoError(t, l.Close())

	delivered := make(chan string, 1)
	recv := func(from cluster.ProcID, p []byte) error {
		delivered <- string(p)
		return nil
	}
	t0, err := NewTCPTransport(cluster.Config{
		Self:     0,
		Machines: []string{"127.0.0.1:0", "127.0.0.1:0", dead},
	}, recv)
	assert.NoError(t, err)
	defer t0.Close()

	t1, err := NewTCPTransport(cluster.Config{
		Self:     1,
		Machines: []string{t0.Addr().String(), "127.0.0.1:0", dead},
	}, func(from cluster.ProcID, p []byte) error { return nil })
	assert.NoError(t, err)
	defer t1.Close()

	// Park a sender in the retry loop for the dead machine.
	go t1.Send(2, []byte("never"))
	time.Sleep(100 * time.Millisecond)

	assert.NoError(t, t1.Send(0, []byte("live")))
	select {
	case got := <-delivered:
		assert.EQ(t, got, "live")
	case <-time.After(2 * time.Second):
		t.Fatal("send to live machine stalled behind a retried dial")
	}
}
