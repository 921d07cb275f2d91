package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vidamais/edgeguard/internal/events"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// EventHandler serves the audit trail
type EventHandler struct {
	log    EventLog
	logger *slog.Logger
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(log EventLog, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{log: log, logger: logger}
}

// Recent handles GET /events?limit=N, newest first
func (h *EventHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, CodeValidationError, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxEventLimit)
	}

	list, err := h.log.Recent(r.Context(), limit)
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"events": list})
}
