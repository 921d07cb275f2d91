package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// WafHandler handles HTTP requests for the WAF ruleset
type WafHandler struct {
	waf    WafService
	logger *slog.Logger
}

// NewWafHandler creates a new WafHandler instance
func NewWafHandler(waf WafService, logger *slog.Logger) *WafHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WafHandler{waf: waf, logger: logger}
}

// Rules handles GET /waf/rules
func (h *WafHandler) Rules(w http.ResponseWriter, r *http.Request) {
	learning, err := h.waf.LearningMode(r.Context())
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	whitelist, err := h.waf.Whitelist(r.Context())
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, WafRulesResponse{LearningMode: learning, Whitelist: emptyIfNil(whitelist)})
}

// Preview handles GET /waf/rules/preview: runs the optimizer without
// installing its output.
func (h *WafHandler) Preview(w http.ResponseWriter, r *http.Request) {
	rules, err := h.waf.GenerateOptimizedRules(r.Context())
	if err != nil {
		handleError(w, r, h.logger, err, nil)
		return
	}
	writeSuccess(w, http.StatusOK, WafSaveResponse{Rules: emptyIfNil(rules), Count: len(rules)})
}

// Save handles POST /waf/rules/save
func (h *WafHandler) Save(w http.ResponseWriter, r *http.Request) {
	rules, err := h.waf.SaveOptimizedRules(r.Context())
	resp := WafSaveResponse{Rules: emptyIfNil(rules), Count: len(rules)}
	if err != nil {
		handleError(w, r, h.logger, err, resp)
		return
	}
	writeSuccess(w, http.StatusOK, resp)
}

// LearningMode handles POST /waf/learning-mode/{mode} with mode on or off
func (h *WafHandler) LearningMode(w http.ResponseWriter, r *http.Request) {
	var (
		err  error
		want bool
	)
	switch mode := chi.URLParam(r, "mode"); mode {
	case "on":
		want = true
		err = h.waf.ActivateLearningMode(r.Context())
	case "off":
		err = h.waf.DeactivateLearningMode(r.Context())
	default:
		writeError(w, http.StatusBadRequest, CodeValidationError, "learning mode must be on or off", nil)
		return
	}

	resp := LearningModeResponse{LearningMode: want}
	if err != nil {
		handleError(w, r, h.logger, err, resp)
		return
	}
	writeSuccess(w, http.StatusOK, resp)
}
