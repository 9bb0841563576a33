// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/pargraph/cluster"
	"golang.org/x/sync/errgroup"
)

// dialPolicy governs connection establishment to peers that may not
// be listening yet during cluster startup.
var dialPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

const maxDialRetries = 10

// TCPTransport connects the machines of a cluster with one TCP stream
// per (sender, receiver) pair. Each stream begins with a hello frame
// carrying the sender's ProcID; subsequent frames are
// [uint32 length][payload]. TCP's stream ordering provides the
// per-sender delivery order the channel layer requires.
type TCPTransport struct {
	self     cluster.ProcID
	machines []string
	recv     Receiver

	listener net.Listener
	g        errgroup.Group

	mu    sync.Mutex
	conns map[cluster.ProcID]net.Conn
}

// NewTCPTransport starts a transport for the configured cluster,
// listening on config.Machines[config.Self] and delivering inbound
// frames to r. Outbound connections are established lazily on first
// send.
func NewTCPTransport(config cluster.Config, r Receiver) (*TCPTransport, error) {
	t := &TCPTransport{
		self:     config.Self,
		machines: config.Machines,
		recv:     r,
		conns:    make(map[cluster.ProcID]net.Conn),
	}
	var err error
	t.listener, err = net.Listen("tcp", config.Machines[config.Self])
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Errorf("tcp transport: listen %s: %v", config.Machines[config.Self], err))
	}
	go t.accept()
	return t, nil
}

// Addr returns the transport's listen address. Useful when the
// configured address carries port 0.
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPTransport) accept() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// Listener closed; shutdown path.
			return
		}
		t.g.Go(func() error { return t.read(conn) })
	}
}

func (t *TCPTransport) read(conn net.Conn) error {
	defer conn.Close()
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return errors.E(errors.Net, fmt.Errorf("tcp transport: read hello: %v", err))
	}
	src := cluster.ProcID(binary.LittleEndian.Uint32(hdr[:]))
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.E(errors.Net, fmt.Errorf("tcp transport: read frame from %d: %v", src, err))
		}
		p := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(conn, p); err != nil {
			return errors.E(errors.Net, fmt.Errorf("tcp transport: read frame from %d: %v", src, err))
		}
		if err := t.recv(src, p); err != nil {
			return err
		}
	}
}

// conn returns the established connection to dst, dialing on first
// use. Dialing happens outside the transport lock so that a slow or
// retried dial never stalls sends to already-connected peers.
func (t *TCPTransport) conn(dst cluster.ProcID) (net.Conn, error) {
	t.mu.Lock()
	if conn, ok := t.conns[dst]; ok {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()
	conn, err := t.dial(dst)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[dst]; ok {
		// A concurrent dial won; keep the established stream so frame
		// order is preserved on a single connection.
		conn.Close()
		return existing, nil
	}
	t.conns[dst] = conn
	return conn, nil
}

func (t *TCPTransport) dial(dst cluster.ProcID) (net.Conn, error) {
	ctx := context.Background()
	var (
		conn net.Conn
		err  error
	)
	for n := 0; ; n++ {
		conn, err = net.Dial("tcp", t.machines[dst])
		if err == nil {
			break
		}
		if n >= maxDialRetries {
			return nil, errors.E(errors.Net, fmt.Errorf("tcp transport: dial machine %d (%s): %v", dst, t.machines[dst], err))
		}
		log.Printf("tcp transport: dial machine %d (%s): %v; retrying", dst, t.machines[dst], err)
		if err := retry.Wait(ctx, dialPolicy, n); err != nil {
			return nil, err
		}
	}
	var hello [4]byte
	binary.LittleEndian.PutUint32(hello[:], uint32(t.self))
	if _, err := conn.Write(hello[:]); err != nil {
		conn.Close()
		return nil, errors.E(errors.Net, fmt.Errorf("tcp transport: hello to machine %d: %v", dst, err))
	}
	return conn, nil
}

// Send implements Transport.
func (t *TCPTransport) Send(dst cluster.ProcID, p []byte) error {
	conn, err := t.conn(dst)
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(p))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(p)))
	copy(frame[4:], p)
	if _, err := conn.Write(frame); err != nil {
		return errors.E(errors.Net, fmt.Errorf("tcp transport: send %d bytes to machine %d: %v", len(p), dst, err))
	}
	return nil
}

// Wait blocks until all reader loops have exited and returns the
// first receiver or read error. Close first to initiate shutdown.
func (t *TCPTransport) Wait() error {
	return t.g.Wait()
}

// Close shuts down the listener and all connections.
func (t *TCPTransport) Close() error {
	err := t.listener.Close()
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()
	return err
}
