// Package middleware provides the HTTP middleware chain: request ids,
// panic recovery and request logging, all writing errors as the standard
// JSON envelope.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
)

// ErrorDetail is the inner body of the error envelope.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the JSON body every error response carries.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// Recovery converts handler panics into a 500 with the standard error
// envelope instead of killing the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
				if id := GetRequestID(r.Context()); id != "" {
					envelope = envelope.WithCorrelationID(id)
				}
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router wiring uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// WriteError writes envelope as the standard JSON error body with the
// given status.
func WriteError(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	writeErrorResponse(w, envelope, status)
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			RequestID: envelope.CorrelationID,
			Details:   envelope.Context,
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}
