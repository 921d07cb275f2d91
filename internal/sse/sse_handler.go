package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	appctx "github.com/vidamais/edgeguard/internal/context"
	"github.com/vidamais/edgeguard/internal/events"
)

// Event types that only exist on the stream.
const (
	EventTypeConnected = "connected"
	EventTypeHeartbeat = "heartbeat"
	EventTypeClosed    = "closed"
)

// Handler serves GET /events/stream. Authentication is left to the router.
type Handler struct {
	config Config
	hub    *Hub
	// replay, when set, backfills events after Last-Event-ID.
	replay events.Recorder
	logger *slog.Logger
}

// NewHandler creates a new SSE handler.
func NewHandler(config Config, hub *Hub, replay events.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: config, hub: hub, replay: replay, logger: logger}
}

// HandleStream handles an SSE stream request.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, ErrStreamingNotSupported.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	actor, _ := appctx.ExtractActor(r.Context())
	conn := NewConnection(uuid.New().String(), actor, h.config.BufferSize)
	h.hub.Add(conn)
	defer h.hub.Remove(conn.ID)

	h.logger.Info("Event stream opened", "connection_id", conn.ID, "actor", actor)

	send := func(e events.Event) bool {
		if err := WriteEvent(w, e); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(streamEvent(EventTypeConnected, "Connected to edgeguard events")) {
		return
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" && h.replay != nil {
		for _, e := range h.missedSince(r, last) {
			if !send(e) {
				return
			}
		}
	}

	heartbeat := time.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()
	timeout := time.NewTimer(h.config.ConnectionTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done:
			send(streamEvent(EventTypeClosed, conn.Reason))
			return
		case <-timeout.C:
			send(streamEvent(EventTypeClosed, ReasonTimeout))
			return
		case <-heartbeat.C:
			if !send(streamEvent(EventTypeHeartbeat, "")) {
				return
			}
		case e := <-conn.Events:
			if !send(e) {
				return
			}
		}
	}
}

// missedSince returns the recorded events newer than lastID, oldest first.
// An unknown lastID replays nothing.
func (h *Handler) missedSince(r *http.Request, lastID string) []events.Event {
	recent, err := h.replay.Recent(r.Context(), h.config.BufferSize)
	if err != nil {
		h.logger.Warn("Event replay failed", "error", err)
		return nil
	}
	// recent is newest first.
	for i, e := range recent {
		if e.ID != lastID {
			continue
		}
		missed := make([]events.Event, 0, i)
		for j := i - 1; j >= 0; j-- {
			missed = append(missed, recent[j])
		}
		return missed
	}
	return nil
}

func streamEvent(eventType, message string) events.Event {
	return events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WriteEvent writes e in the SSE wire format.
// Format: event: <type>\ndata: <json>\nid: <id>\n\n
func WriteEvent(w io.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)
	return err
}
