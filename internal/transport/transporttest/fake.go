// Package transporttest provides an in-memory transport.Conn for tests.
package transporttest

import (
	"sync"

	"github.com/mylg-studio/chatsync/internal/transport"
)

// Conn is a scriptable connection. Its state only changes when the test says so,
// except that Close moves it to Closed.
type Conn struct {
	transport.Listeners

	mu         sync.Mutex
	state      transport.ReadyState
	sent       [][]byte
	closeCalls int
	sendErr    error
}

// NewConn returns a connection in the given state.
func NewConn(state transport.ReadyState) *Conn {
	return &Conn{state: state}
}

// Send records frame when the connection is open.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.Open {
		return transport.ErrConnNotOpen
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

// ReadyState returns the scripted state.
func (c *Conn) ReadyState() transport.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close counts the call and marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.state = transport.Closed
	c.mu.Unlock()
	c.Emit(transport.EventClose, nil)
	return nil
}

// AddEventListener registers l.
func (c *Conn) AddEventListener(ev transport.Event, l transport.Listener) func() {
	return c.Add(ev, l)
}

// SetState changes the state, emitting open when it becomes Open.
func (c *Conn) SetState(state transport.ReadyState) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if state == transport.Open && prev != transport.Open {
		c.Emit(transport.EventOpen, nil)
	}
}

// SetSendError makes every later Send on an open connection fail with err.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Deliver simulates an inbound frame.
func (c *Conn) Deliver(frame []byte) {
	c.Emit(transport.EventMessage, frame)
}

// Sent returns copies of the frames written so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
