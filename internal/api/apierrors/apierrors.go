// Package apierrors maps domain reason tokens onto the JSON error envelope
// returned by the prefixd API.
package apierrors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lance0/prefixd/internal/core"
)

// APIError is the structured error envelope.
type APIError struct {
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse wraps APIError for JSON responses.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// New creates an API error with a machine-readable reason token.
func New(reason, message string) *APIError {
	return &APIError{
		Reason:    reason,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithRequestID attaches the request ID.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// StatusCode maps the reason token to an HTTP status.
func (e *APIError) StatusCode() int {
	switch e.Reason {
	case core.ReasonValidation:
		return http.StatusBadRequest
	case core.ReasonOwnership:
		return http.StatusUnprocessableEntity
	case core.ReasonSafelisted, core.ReasonConflict:
		return http.StatusConflict
	case core.ReasonQuotaExceeded, core.ReasonRateLimited:
		return http.StatusTooManyRequests
	case core.ReasonNotFound:
		return http.StatusNotFound
	case core.ReasonUnauthenticated:
		return http.StatusUnauthorized
	case core.ReasonForbidden:
		return http.StatusForbidden
	case core.ReasonShuttingDown:
		return http.StatusServiceUnavailable
	case core.ReasonDependencyDegraded:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Reason, e.Message)
}

// Write renders the error as a JSON response.
func Write(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: *err})
}
