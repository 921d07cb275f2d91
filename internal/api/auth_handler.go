package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vidamais/edgeguard/internal/auth"
)

// TokenHandler exchanges admin credentials for a bearer token
type TokenHandler struct {
	auth   *auth.Authenticator
	logger *slog.Logger
}

// NewTokenHandler creates a new TokenHandler instance
func NewTokenHandler(authenticator *auth.Authenticator, logger *slog.Logger) *TokenHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenHandler{auth: authenticator, logger: logger}
}

// Token handles POST /auth/token
func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Warn("Admin login failed", "username", req.Username, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "Invalid username or password", nil)
			return
		}
		handleError(w, r, h.logger, err, nil)
		return
	}

	h.logger.Info("Admin token issued", "username", req.Username)
	writeSuccess(w, http.StatusOK, token)
}
