package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vidamais/edgeguard/internal/apperr"
)

// ProxyHandler handles HTTP requests for the reverse proxy process
type ProxyHandler struct {
	proxy  ProxyService
	logger *slog.Logger
}

// NewProxyHandler creates a new ProxyHandler instance
func NewProxyHandler(proxy ProxyService, logger *slog.Logger) *ProxyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{proxy: proxy, logger: logger}
}

// Start handles POST /proxy/start
func (h *ProxyHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "start", h.proxy.Start)
}

// Stop handles POST /proxy/stop
func (h *ProxyHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "stop", h.proxy.Stop)
}

// Reload handles POST /proxy/reload. Nothing new is persisted here, so a
// failed reload maps to its cause rather than to pending enforcement.
func (h *ProxyHandler) Reload(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "reload", func(ctx context.Context) error {
		err := h.proxy.Reload(ctx)
		var re *apperr.ReloadError
		if errors.As(err, &re) {
			return re.Err
		}
		return err
	})
}

// Status handles GET /proxy/status
func (h *ProxyHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, h.proxy.Status(r.Context()))
}

func (h *ProxyHandler) act(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) error) {
	if err := fn(r.Context()); err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, ProxyActionResponse{Action: action, Status: h.proxy.Status(r.Context())})
}
