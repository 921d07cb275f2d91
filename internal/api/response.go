// Package api exposes the access-control operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/vidamais/edgeguard/internal/apperr"
	applog "github.com/vidamais/edgeguard/internal/logger"
)

// Error codes returned in the response envelope
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeExternalToolFailure = "EXTERNAL_TOOL_FAILURE"
	CodeTimeout             = "EXTERNAL_TOOL_TIMEOUT"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeEnforcementPending  = "ENFORCEMENT_PENDING"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

var validate = validator.New()

// writeSuccess writes a successful JSON response
func writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// writeError writes an error JSON response
func writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	writeErrorWithData(w, statusCode, code, message, details, nil)
}

// writeErrorWithData writes an error JSON response that also carries the
// partial result of the operation.
func writeErrorWithData(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string, data interface{}) {
	writeJSON(w, statusCode, APIResponse{
		Success: false,
		Data:    data,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// It writes the 400 response itself and reports whether to continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) map[string][]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string][]string)
	for _, fe := range verrs {
		field := fe.Field()
		details[field] = append(details[field], "failed on "+fe.Tag())
	}
	return details
}

// handleError maps the error taxonomy to HTTP responses. data, when not nil,
// is the partial result returned alongside a pending-enforcement answer.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, data interface{}) {
	logger = applog.FromContext(r.Context(), logger)
	switch {
	case errors.Is(err, apperr.ErrEnforcementPending):
		// The mutation is persisted; only the reload is outstanding.
		logger.Warn("Mutation applied with enforcement pending", "error", err)
		writeErrorWithData(w, http.StatusAccepted, CodeEnforcementPending,
			"Change saved but the proxy has not been reloaded; retry the reload", nil, data)
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, apperr.ErrTimeout):
		logger.Error("External tool timed out", "error", err)
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "External tool timed out; the operation can be retried", nil)
	case errors.Is(err, apperr.ErrExternalTool):
		logger.Error("External tool failed", "error", err, "output", apperr.Output(err))
		writeError(w, http.StatusBadGateway, CodeExternalToolFailure, err.Error(), toolDetails(err))
	default:
		logger.Error("Unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

func toolDetails(err error) map[string][]string {
	if out := apperr.Output(err); out != "" {
		return map[string][]string{"output": {out}}
	}
	return nil
}
