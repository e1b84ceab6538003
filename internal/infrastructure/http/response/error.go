package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rezkam/fleetq/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable error taxonomy to callers.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error sends an error response with the given taxonomy code and status.
func Error(w http.ResponseWriter, r *http.Request, kind domain.ErrorKind, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:      string(kind),
			Message:   message,
			RequestID: w.Header().Get("X-Request-ID"),
		},
	}); err != nil {
		slog.ErrorContext(r.Context(), "failed to write error response", "error", err)
	}
}

// BadRequest sends a 400 invalid_argument error.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, domain.KindInvalidArgument, message, http.StatusBadRequest)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindStaleLease:
		return http.StatusConflict
	case domain.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	default:
		return http.StatusServiceUnavailable
	}
}

// FromDomainError maps an error to the taxonomy and writes the response.
// Transient errors surface as 503 so callers retry with backoff; the cause
// is logged server-side, not disclosed.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	message := err.Error()
	if kind == domain.KindTransient {
		slog.ErrorContext(r.Context(), "request failed with transient error", "error", err)
		message = "temporarily unavailable, retry with backoff"
	}
	Error(w, r, kind, message, statusFor(kind))
}
