// Package errors maps matching errors onto the HTTP error envelope and
// decodes the envelope back on the client side.
//
// Every non-2xx API response carries {"error": {"code", "message",
// "request_id", "details"}}. The code is a stable reason string clients
// can branch on; the message is human-readable and may change.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/gomatch/internal/server/middleware"
	"github.com/3leaps/gomatch/pkg/matching"
)

// HTTPErrorDetail is the decoded body of one error envelope.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope of the API.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// Decode reads an error envelope from r.
func Decode(r io.Reader) (*HTTPErrorResponse, error) {
	var resp HTTPErrorResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode error response: %w", err)
	}
	return &resp, nil
}

// Classify returns the HTTP status and stable reason code for err.
func Classify(err error) (int, string) {
	var verr *matching.ValidationError
	switch {
	case stderrors.As(err, &verr):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case matching.IsUnknownMatching(err):
		return http.StatusNotFound, "UNKNOWN_MATCHING"
	case matching.IsUnknownPair(err):
		return http.StatusNotFound, "UNKNOWN_PAIR"
	case matching.IsInvalidPhase(err):
		return http.StatusConflict, "INVALID_PHASE"
	case matching.IsNoMoreTrainingPairs(err):
		return http.StatusConflict, "NO_MORE_TRAINING_PAIRS"
	case matching.IsNotEnoughLabeledPairs(err):
		return http.StatusConflict, "NOT_ENOUGH_LABELED_PAIRS"
	case matching.IsInvalidState(err):
		return http.StatusInternalServerError, "INVALID_STATE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// RespondWithError writes err as the standard envelope, mapping the
// matching error kinds to their reason codes and statuses.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)

	envelope := gferrors.NewErrorEnvelope(code, err.Error())
	if id := middleware.GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	if details := errorDetails(err); len(details) > 0 {
		if enriched, ctxErr := envelope.WithContext(details); ctxErr == nil {
			envelope = enriched
		}
	}

	middleware.WriteError(w, envelope, status)
}

// errorDetails extracts structured fields from a typed matching error so
// clients see which job and operation failed without parsing the message.
func errorDetails(err error) map[string]interface{} {
	details := map[string]interface{}{}

	var merr *matching.Error
	if stderrors.As(err, &merr) {
		details["op"] = merr.Op
		details["entity"] = merr.ID.Entity
		details["layer"] = merr.ID.Layer
		if merr.Phase != "" {
			details["phase"] = string(merr.Phase)
		}
	}

	var verr *matching.ValidationError
	if stderrors.As(err, &verr) {
		details["field"] = verr.Field
	}

	if len(details) == 0 {
		return nil
	}
	return details
}
