package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// Conn is a single client connection. Implementations must make Send
// and Close safe for concurrent use.
type Conn interface {
	// ID identifies the connection (not the user); a reconnecting user
	// gets a fresh id.
	ID() string

	// Send delivers one event. It returns an error once the connection
	// is closed.
	Send(event Event) error

	// Close tears the connection down. Closing twice is harmless.
	Close() error
}

// PipeConn is an in-process Conn backed by a buffered channel. It is
// the default connection type for embedded use and for tests.
type PipeConn struct {
	id     string
	events chan Event

	mu     sync.Mutex
	closed bool
}

// NewPipeConn builds a PipeConn buffering up to size undelivered
// events.
func NewPipeConn(id string, size int) *PipeConn {
	if size <= 0 {
		size = 64
	}
	return &PipeConn{id: id, events: make(chan Event, size)}
}

func (c *PipeConn) ID() string { return c.id }

// Events exposes the delivery channel for the consumer side.
func (c *PipeConn) Events() <-chan Event { return c.events }

func (c *PipeConn) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("transport: connection closed")
	}
	select {
	case c.events <- event:
		return nil
	default:
		// A consumer that stopped draining does not get to wedge the
		// emitter.
		return errors.New("transport: event buffer full")
	}
}

func (c *PipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}
