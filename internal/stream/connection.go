package stream

import (
	"sync"
	"time"

	"stockflow/models"
)

// Connection is one subscriber session. Events are pushed through a bounded
// channel, slow consumers get dropped rather than blocking the broadcast
// path.
type Connection struct {
	ID        string
	ClientID  string
	CreatedAt time.Time

	mu     sync.RWMutex
	closed bool
	events chan models.StreamEvent
}

func newConnection(id, clientID string, bufferSize int) *Connection {
	return &Connection{
		ID:        id,
		ClientID:  clientID,
		CreatedAt: time.Now(),
		events:    make(chan models.StreamEvent, bufferSize),
	}
}

// Events returns the receive side of the event channel. The channel closes
// when the connection is removed.
func (c *Connection) Events() <-chan models.StreamEvent {
	return c.events
}

// send enqueues without blocking. False means the connection is closed or
// its buffer is full.
func (c *Connection) send(ev models.StreamEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}
