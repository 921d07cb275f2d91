package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/vidamais/edgeguard/internal/apperr"
	"github.com/vidamais/edgeguard/internal/metrics"
	"github.com/vidamais/edgeguard/internal/pki"
)

// CertHandler handles HTTP requests for client certificates
type CertHandler struct {
	certs  CertService
	logger *slog.Logger
}

// NewCertHandler creates a new CertHandler instance
func NewCertHandler(certs CertService, logger *slog.Logger) *CertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertHandler{certs: certs, logger: logger}
}

// List handles GET /certs
func (h *CertHandler) List(w http.ResponseWriter, r *http.Request) {
	names, err := h.certs.List(r.Context())
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, ListCertsResponse{Clients: emptyIfNil(names)})
}

// Issue handles POST /certs/{name}
func (h *CertHandler) Issue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.certs.Issue(r.Context(), name)
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, IssueResponse{
		Name:     result.Name,
		Issued:   result.Issued,
		Archived: result.Archived,
	})
}

// Revoke handles DELETE /certs/{name}. Best-effort steps that failed are
// listed as anomalies in a 200 answer.
func (h *CertHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.certs.Revoke(r.Context(), name)
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

// Download handles GET /certs/{name}/download
func (h *CertHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := h.certs.BundlePath(r.Context(), name)
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		handleError(w, r, h.logger, apperr.InternalIO("open bundle for "+name, err), nil)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.p12"`)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil && !errors.Is(err, r.Context().Err()) {
		h.logger.Warn("Bundle download interrupted", "client", name, "error", err)
	}
	h.logger.Info("Client bundle downloaded", "client", name)
}

// Audit handles GET /certs/audit
func (h *CertHandler) Audit(w http.ResponseWriter, r *http.Request) {
	found, err := h.certs.Audit(r.Context())
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	for _, d := range found {
		metrics.RecordCertAnomaly(d.Kind)
	}
	if found == nil {
		found = []pki.Discrepancy{}
	}
	writeSuccess(w, http.StatusOK, AuditResponse{Discrepancies: found, Consistent: len(found) == 0})
}
