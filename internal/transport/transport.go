// Package transport defines the persistent real-time connection the sync engine writes
// frames to. The connection is owned by its connection manager; the engine only sends,
// listens and, when a write finds it not open, closes it to force a reconnect.
package transport

import (
	"errors"
	"sort"
	"sync"
)

// ReadyState mirrors the lifecycle of a browser-style socket.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a connection lifecycle or data event.
type Event string

const (
	EventOpen    Event = "open"
	EventMessage Event = "message"
	EventClose   Event = "close"
)

// Listener handles an event. data is the frame for EventMessage and nil otherwise.
type Listener func(data []byte)

// ErrConnNotOpen is returned by Send when the connection is not open.
var ErrConnNotOpen = errors.New("connection not open")

// Conn is a persistent bidirectional frame connection.
type Conn interface {
	Send(frame []byte) error
	ReadyState() ReadyState
	// Close tears down the current connection. Implementations with a connection
	// manager reconnect afterwards.
	Close() error
	AddEventListener(ev Event, l Listener) (remove func())
}

// Listeners is a registry implementations embed to support AddEventListener.
type Listeners struct {
	mu   sync.Mutex
	next int
	set  map[Event]map[int]Listener
}

// Add registers l for ev.
func (ls *Listeners) Add(ev Event, l Listener) func() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.set == nil {
		ls.set = make(map[Event]map[int]Listener)
	}
	if ls.set[ev] == nil {
		ls.set[ev] = make(map[int]Listener)
	}
	id := ls.next
	ls.next++
	ls.set[ev][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			delete(ls.set[ev], id)
		})
	}
}

// Emit calls every listener for ev, in registration order, outside the lock.
func (ls *Listeners) Emit(ev Event, data []byte) {
	ls.mu.Lock()
	ids := make([]int, 0, len(ls.set[ev]))
	for id := range ls.set[ev] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, ls.set[ev][id])
	}
	ls.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}
