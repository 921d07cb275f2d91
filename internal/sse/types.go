// Package sse streams audit events to admin clients as Server-Sent Events.
package sse

import (
	"sync"
	"time"

	"github.com/vidamais/edgeguard/internal/events"
)

// Config holds SSE server configuration.
type Config struct {
	HeartbeatInterval time.Duration // Default: 30 seconds
	ConnectionTimeout time.Duration // Default: 1 hour
	MaxConnections    int           // Default: 20
	BufferSize        int           // Default: 64 events per connection
}

// DefaultConfig returns the default SSE configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 1 * time.Hour,
		MaxConnections:    20,
		BufferSize:        64,
	}
}

// Connection is one subscribed stream. Events are queued on a bounded
// channel; a client that falls behind is disconnected.
type Connection struct {
	ID        string
	Actor     string
	Events    chan events.Event
	Done      chan struct{}
	CreatedAt time.Time

	closeOnce sync.Once
	// Reason is set before Done is closed.
	Reason string
}

// NewConnection creates a connection with a buffer of size events.
func NewConnection(id, actor string, size int) *Connection {
	return &Connection{
		ID:        id,
		Actor:     actor,
		Events:    make(chan events.Event, size),
		Done:      make(chan struct{}),
		CreatedAt: time.Now(),
	}
}

// Close closes the connection with the given reason.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.Reason = reason
		close(c.Done)
	})
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.Done:
		return true
	default:
		return false
	}
}
