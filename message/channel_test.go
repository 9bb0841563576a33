// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/pargraph/cluster"
	"github.com/grailbio/pargraph/stats"
)

// captureTransport records every Send for inspection.
type captureTransport struct {
	mu    sync.Mutex
	blobs map[cluster.ProcID][][]byte
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{blobs: make(map[cluster.ProcID][][]byte)}
}

func (c *captureTransport) Send(dst cluster.ProcID, p []byte) error {
	c.mu.Lock()
	c.blobs[dst] = append(c.blobs[dst], p)
	c.mu.Unlock()
	return nil
}

func (c *captureTransport) sent(dst cluster.ProcID) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.blobs[dst]...)
}

func release(ch *Channel, dst cluster.ProcID, p []byte, control bool) {
	b := ch.Acquire(dst)
	b.Write(p)
	ch.Release(dst, b, control)
}

func TestChannelFlushOrder(t *testing.T) {
	tr := newCaptureTransport()
	ch := NewChannel(tr, 2, time.Hour, nil)
	defer ch.Close()
	release(ch, 1, []byte("alpha"), false)
	release(ch, 1, []byte("beta"), false)
	release(ch, 1, []byte("gamma"), false)
	if err := ch.Flush(1); err != nil {
		t.Fatal(err)
	}
	blobs := tr.sent(1)
	if len(blobs) != 1 {
		t.Fatalf("got %d sends, want 1", len(blobs))
	}
	if got, want := string(blobs[0]), "alphabetagamma"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	// Nothing pending: flush must not touch the transport.
	if err := ch.Flush(1); err != nil {
		t.Fatal(err)
	}
	if got := tr.sent(1); len(got) != 1 {
		t.Errorf("got %d sends, want 1", len(got))
	}
}

func TestChannelBufferReuse(t *testing.T) {
	tr := newCaptureTransport()
	ch := NewChannel(tr, 1, time.Hour, nil)
	defer ch.Close()
	b := ch.Acquire(0)
	b.Write([]byte("x"))
	ch.Release(0, b, false)
	if err := ch.Flush(0); err != nil {
		t.Fatal(err)
	}
	reused := ch.Acquire(0)
	if reused != b {
		t.Error("flushed buffer was not recycled")
	}
	if reused.Len() != 0 {
		t.Errorf("recycled buffer has %d stale bytes", reused.Len())
	}
	ch.Release(0, reused, false)
}

func TestChannelFlushSoon(t *testing.T) {
	tr := newCaptureTransport()
	ch := NewChannel(tr, 1, time.Millisecond, nil)
	defer ch.Close()
	release(ch, 0, []byte("deferred"), false)
	ch.FlushSoon(0)
	for deadline := time.Now().Add(5 * time.Second); ; {
		if blobs := tr.sent(0); len(blobs) > 0 {
			if got, want := string(bytes.Join(blobs, nil)), "deferred"; got != want {
				t.Errorf("got %q, want %q", got, want)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background flusher never flushed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChannelByteAccounting(t *testing.T) {
	tr := newCaptureTransport()
	counter := new(stats.Int)
	ch := NewChannel(tr, 1, time.Hour, counter)
	defer ch.Close()
	release(ch, 0, []byte("token"), true)
	if got := counter.Get(); got != 0 {
		t.Errorf("control bytes counted: got %d, want 0", got)
	}
	release(ch, 0, []byte("payload"), false)
	if got, want := counter.Get(), int64(len("payload")); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestLocalNetworkOrder(t *testing.T) {
	const nmsg = 100
	ln := NewLocalNetwork(2)
	ln.Transport(0).Start(func(src cluster.ProcID, p []byte) error { return nil })
	var (
		mu  sync.Mutex
		got []string
	)
	ln.Transport(1).Start(func(src cluster.ProcID, p []byte) error {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
		return nil
	})
	for i := 0; i < nmsg; i++ {
		if err := ln.Transport(0).Send(1, []byte(fmt.Sprint(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := ln.Transport(1).Close(); err != nil {
		t.Fatal(err)
	}
	if len(got) != nmsg {
		t.Fatalf("got %d messages, want %d", len(got), nmsg)
	}
	for i, s := range got {
		if s != fmt.Sprint(i) {
			t.Fatalf("message %d: got %q", i, s)
		}
	}
	if err := ln.Transport(0).Close(); err != nil {
		t.Fatal(err)
	}
}

// TestLocalNetworkSendCloseRace hammers an endpoint from several
// senders while it closes: racing sends must either deliver or fail
// cleanly, never panic, and Close must be idempotent.
func TestLocalNetworkSendCloseRace(t *testing.T) {
	ln := NewLocalNetwork(2)
	ln.Transport(0).Start(func(src cluster.ProcID, p []byte) error { return nil })
	ln.Transport(1).Start(func(src cluster.ProcID, p []byte) error { return nil })
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if err := ln.Transport(0).Send(1, []byte("x")); err != nil {
					return
				}
			}
		}()
	}
	if err := ln.Transport(1).Close(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	if err := ln.Transport(1).Close(); err != nil {
		t.Fatal(err)
	}
	if err := ln.Transport(0).Send(1, []byte("x")); err == nil {
		t.Error("expected error sending to closed endpoint")
	}
	if err := ln.Transport(0).Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLocalNetworkReceiverError(t *testing.T) {
	ln := NewLocalNetwork(2)
	boom := errors.New("boom")
	ln.Transport(1).Start(func(src cluster.ProcID, p []byte) error { return boom })
	if err := ln.Transport(0).Send(1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := ln.Transport(1).Wait(); err != boom {
		t.Errorf("got %v, want %v", err, boom)
	}
}
