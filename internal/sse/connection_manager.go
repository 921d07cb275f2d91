package sse

import (
	"context"
	"sort"
	"sync"

	"github.com/vidamais/edgeguard/internal/events"
	"github.com/vidamais/edgeguard/internal/metrics"
)

// Hub is an events.Sink that fans events out to the open streams.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	config      Config
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates a Hub with the given config.
func NewHub(config Config) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		config:      config,
	}
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "stream" }

// Notify queues the event on every open connection. It never blocks: a
// connection whose buffer is full is closed.
func (h *Hub) Notify(_ context.Context, e events.Event) error {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.IsClosed() {
			continue
		}
		select {
		case c.Events <- e:
		default:
			c.Close(ReasonSlowConsumer)
			h.Remove(c.ID)
		}
	}
	return nil
}

// Add registers a connection. When the hub is full the oldest connection
// is closed to make room.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.MaxConnections > 0 && len(h.connections) >= h.config.MaxConnections {
		if oldest := h.oldestLocked(); oldest != nil {
			oldest.Close(ReasonConnectionLimit)
			delete(h.connections, oldest.ID)
		}
	}
	h.connections[conn.ID] = conn
	metrics.SetStreamConnections(len(h.connections))
}

// Remove unregisters and closes a connection.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn, ok := h.connections[connID]; ok {
		conn.Close(ReasonShutdown)
		delete(h.connections, connID)
	}
	metrics.SetStreamConnections(len(h.connections))
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// CloseAll disconnects every client, e.g. on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		conn.Close(ReasonShutdown)
		delete(h.connections, id)
	}
	metrics.SetStreamConnections(0)
}

// oldestLocked finds the oldest connection. Caller must hold the lock.
func (h *Hub) oldestLocked() *Connection {
	if len(h.connections) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})
	return conns[0]
}
