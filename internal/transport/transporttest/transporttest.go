// Package transporttest provides a scriptable in-memory transport for tests.
//
// A Dialer can fail, succeed, or hold the handshake until released; a Conn
// records what was written and can hold or fail writes. Closing a Conn
// unblocks held writes with io.ErrClosedPipe, like closing a real socket.
package transporttest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/transport"
)

// Dialer is a transport.Dialer driven by the test.
type Dialer struct {
	mu    sync.Mutex
	err   error
	hold  chan struct{}
	next  *Conn
	conns []*Conn
	peers []connmgr.Device
	dials chan struct{}
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer whose handshakes succeed immediately.
func NewDialer() *Dialer {
	return &Dialer{dials: make(chan struct{}, 16)}
}

// FailWith makes subsequent handshakes fail with err.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Hold makes subsequent handshakes block until Release or ctx is done.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = make(chan struct{})
}

// Release lets held handshakes complete.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hold != nil {
		close(d.hold)
		d.hold = nil
	}
}

// Returning makes the next successful handshake hand out c.
func (d *Dialer) Returning(c *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = c
}

// Dialed is signaled each time Dial is entered.
func (d *Dialer) Dialed() <-chan struct{} { return d.dials }

func (d *Dialer) Dial(ctx context.Context, peer connmgr.Device) (transport.Conn, error) {
	d.mu.Lock()
	d.peers = append(d.peers, peer)
	hold := d.hold
	d.mu.Unlock()

	select {
	case d.dials <- struct{}{}:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := d.next
	d.next = nil
	if c == nil {
		c = NewConn()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conn returns the most recently handed out connection, or nil.
func (d *Dialer) Conn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Peers returns every peer Dial was called with.
func (d *Dialer) Peers() []connmgr.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]connmgr.Device(nil), d.peers...)
}

// Conn is an in-memory transport.Conn.
type Conn struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	writes    [][]byte
	failErr   error
	failAfter int
	gate      chan struct{}
	closed    bool
	done      chan struct{}
	started   chan struct{}
}

// NewConn returns an open connection that accepts every write.
func NewConn() *Conn {
	return &Conn{
		done:    make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

// FailWrites makes subsequent writes store the first after bytes and then fail with err.
func (c *Conn) FailWrites(err error, after int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr, c.failAfter = err, after
}

// HoldWrites makes subsequent writes block until ReleaseWrites or Close.
func (c *Conn) HoldWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
}

// ReleaseWrites lets held writes proceed.
func (c *Conn) ReleaseWrites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// WriteStarted is signaled each time Write is entered.
func (c *Conn) WriteStarted() <-chan struct{} { return c.started }

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	select {
	case c.started <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-c.done:
			return 0, io.ErrClosedPipe
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if c.failErr != nil {
		n := c.failAfter
		if n > len(p) {
			n = len(p)
		}
		c.buf.Write(p[:n])
		return n, c.failErr
	}
	c.buf.Write(p)
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Written returns every byte that reached the wire, in order.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// Writes returns the payload of each fully successful Write call.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}
