package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/haukened/dnsgate/internal/dns/common/log"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error { return e.cause }

type errorResponse struct {
	Error *APIError `json:"error"`
}

func errBadRequest(message string) *APIError {
	return &APIError{Code: "BAD_REQUEST", Message: message}
}

func errNotFound(resource string) *APIError {
	return &APIError{Code: "NOT_FOUND", Message: resource + " not found"}
}

func errInternal(cause error) *APIError {
	return &APIError{Code: "INTERNAL_ERROR", Message: "internal error", cause: cause}
}

// writeError logs apiErr at a level matching status and writes the envelope.
func writeError(w http.ResponseWriter, r *http.Request, logger log.Logger, status int, apiErr *APIError) {
	fields := map[string]any{
		"code":   apiErr.Code,
		"status": status,
		"method": r.Method,
		"path":   r.URL.Path,
	}
	if apiErr.cause != nil {
		fields["error"] = apiErr.cause
	}
	if status >= http.StatusInternalServerError {
		logger.Error(fields, "api error")
	} else {
		logger.Warn(fields, "api error")
	}
	writeJSON(w, status, errorResponse{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
