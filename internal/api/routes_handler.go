package api

import (
	"log/slog"
	"net/http"

	"github.com/vidamais/edgeguard/internal/repository"
)

// RouteHandler handles HTTP requests for the protected route registry
type RouteHandler struct {
	routes RouteService
	logger *slog.Logger
}

// NewRouteHandler creates a new RouteHandler instance
func NewRouteHandler(routes RouteService, logger *slog.Logger) *RouteHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteHandler{routes: routes, logger: logger}
}

// List handles GET /routes
func (h *RouteHandler) List(w http.ResponseWriter, r *http.Request) {
	routes, err := h.routes.List(r.Context())
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, ListRoutesResponse{Routes: emptyIfNil(routes)})
}

// Add handles POST /routes. A new route answers 201; a route already
// protected answers 200 with outcome no_change.
func (h *RouteHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.routes.Add(r.Context(), req.Path)
	if err != nil {
		handleError(w, r, h.logger, err, toRouteMutation(req.Path, outcome, nil))
		return
	}

	status := http.StatusCreated
	if outcome == repository.NoChange {
		status = http.StatusOK
	}
	writeSuccess(w, status, h.confirmation(r, req.Path, outcome))
}

// Remove handles DELETE /routes. Removing an absent route is not an error.
func (h *RouteHandler) Remove(w http.ResponseWriter, r *http.Request) {
	var req RouteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	outcome, err := h.routes.Remove(r.Context(), req.Path)
	if err != nil {
		handleError(w, r, h.logger, err, toRouteMutation(req.Path, outcome, nil))
		return
	}
	writeSuccess(w, http.StatusOK, h.confirmation(r, req.Path, outcome))
}

func (h *RouteHandler) confirmation(r *http.Request, path string, outcome repository.Outcome) RouteMutationResponse {
	routes, err := h.routes.List(r.Context())
	if err != nil {
		// The mutation already succeeded; the listing is informational.
		h.logger.Warn("Failed to list routes after mutation", "error", err)
		routes = nil
	}
	return toRouteMutation(path, outcome, emptyIfNil(routes))
}
