package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/gomatch/internal/errors"
)

// HTTPErrorResponder writes an error response for a handler failure.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

// httpErrorResponder is the responder handlers go through. Tests swap it
// out to observe the errors a handler produces.
var httpErrorResponder HTTPErrorResponder = defaultHTTPErrorResponder

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

// SetHTTPErrorResponder replaces the responder. Passing nil restores the
// default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
