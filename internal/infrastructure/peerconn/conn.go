// Package peerconn holds the transport-independent half of a data
// connection: handler registration, buffering and ordered delivery.
package peerconn

import (
	"errors"
	"sync"

	"sharechannel/internal/core/domain"
)

var ErrNotOpen = errors.New("connection not open")

// Conn implements ports.DataConnection on top of a transport that calls
// MarkOpen, Deliver, Fail and MarkClosed. Callbacks run on a per-connection
// Serial so they never overlap and keep transport order.
type Conn struct {
	peer  domain.PeerID
	label string

	send      func([]byte) error
	closeFn   func()
	closeOnce sync.Once

	serial Serial

	mu           sync.Mutex
	open         bool
	closed       bool
	onOpen       func()
	onData       func([]byte)
	onClose      func()
	onError      func(error)
	pendingData  [][]byte
	pendingErrs  []error
	pendingClose bool
}

// New creates a connection. send is called for outbound payloads while the
// connection is open; closeFn tears the transport down and must eventually
// lead to MarkClosed.
func New(peer domain.PeerID, label string, send func([]byte) error, closeFn func()) *Conn {
	return &Conn{peer: peer, label: label, send: send, closeFn: closeFn}
}

func (c *Conn) Peer() domain.PeerID { return c.peer }
func (c *Conn) Label() string       { return c.label }

func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnOpen sets the open handler. Opens that happened earlier are not
// replayed; callers check Open() after registering.
func (c *Conn) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *Conn) OnData(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = fn
	if fn == nil || len(c.pendingData) == 0 {
		return
	}
	pending := c.pendingData
	c.pendingData = nil
	c.serial.Post(func() {
		for _, d := range pending {
			fn(d)
		}
	})
	c.replayCloseLocked()
}

func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
	c.replayCloseLocked()
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
	if fn == nil || len(c.pendingErrs) == 0 {
		return
	}
	pending := c.pendingErrs
	c.pendingErrs = nil
	c.serial.Post(func() {
		for _, err := range pending {
			fn(err)
		}
	})
	c.replayCloseLocked()
}

// replayCloseLocked posts a buffered close once nothing that arrived before
// it is still waiting for a handler, so close is always the last event.
func (c *Conn) replayCloseLocked() {
	if !c.pendingClose || c.onClose == nil || len(c.pendingData) > 0 || len(c.pendingErrs) > 0 {
		return
	}
	c.pendingClose = false
	c.serial.Post(c.onClose)
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	open, closed := c.open, c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrConnectionClosed
	}
	if !open {
		return ErrNotOpen
	}
	return c.send(data)
}

// Close asks the transport to tear down. It is safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.closeFn != nil {
			c.closeFn()
		} else {
			c.MarkClosed()
		}
	})
}

// MarkOpen records that the transport is ready. Only the first call counts.
func (c *Conn) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open || c.closed {
		return
	}
	c.open = true
	if fn := c.onOpen; fn != nil {
		c.serial.Post(fn)
	}
}

// Deliver hands an inbound payload to the data handler, buffering it when
// no handler is registered yet.
func (c *Conn) Deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	fn := c.onData
	if fn == nil {
		c.pendingData = append(c.pendingData, data)
		return
	}
	c.serial.Post(func() { fn(data) })
}

func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	fn := c.onError
	if fn == nil {
		c.pendingErrs = append(c.pendingErrs, err)
		return
	}
	c.serial.Post(func() { fn(err) })
}

// MarkClosed records the transport close. Only the first call counts.
func (c *Conn) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.open = false
	c.pendingClose = true
	c.replayCloseLocked()
}
