package errors

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatch/pkg/matching"
)

func TestClassify(t *testing.T) {
	id := matching.ID{Entity: "customer", Layer: "gold"}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation error",
			err:        &matching.ValidationError{Field: "columns", Message: "required"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "unknown matching",
			err:        &matching.Error{Op: "GetStatus", ID: id, Err: matching.ErrUnknownMatching},
			wantStatus: http.StatusNotFound,
			wantCode:   "UNKNOWN_MATCHING",
		},
		{
			name:       "unknown pair",
			err:        &matching.Error{Op: "GetProposal", ID: id, Err: matching.ErrUnknownPair},
			wantStatus: http.StatusNotFound,
			wantCode:   "UNKNOWN_PAIR",
		},
		{
			name:       "invalid phase",
			err:        &matching.Error{Op: "InitMatching", ID: id, Phase: matching.PhaseReady, Err: matching.ErrInvalidPhase},
			wantStatus: http.StatusConflict,
			wantCode:   "INVALID_PHASE",
		},
		{
			name:       "no more training pairs",
			err:        &matching.Error{Op: "GetTrainingPair", ID: id, Err: matching.ErrNoMoreTrainingPairs},
			wantStatus: http.StatusConflict,
			wantCode:   "NO_MORE_TRAINING_PAIRS",
		},
		{
			name:       "not enough labeled pairs",
			err:        &matching.Error{Op: "EvaluateRecordsMatching", ID: id, Err: matching.ErrNotEnoughLabeledPairs},
			wantStatus: http.StatusConflict,
			wantCode:   "NOT_ENOUGH_LABELED_PAIRS",
		},
		{
			name:       "invalid state",
			err:        &matching.Error{Op: "step", ID: id, Err: matching.ErrInvalidState},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INVALID_STATE",
		},
		{
			name:       "unclassified error",
			err:        stderrors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestRespondWithError_WritesTheEnvelope(t *testing.T) {
	id := matching.ID{Entity: "customer", Layer: "gold"}
	err := &matching.Error{
		Op:    "UpdateTrainingPair",
		ID:    id,
		Phase: matching.PhaseInitializing,
		Err:   matching.ErrInvalidPhase,
	}

	req := httptest.NewRequest(http.MethodPut, "/matchings/customer/gold/training-pairs", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp, decodeErr := Decode(rec.Body)
	require.NoError(t, decodeErr)

	assert.Equal(t, "INVALID_PHASE", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "customer/gold")
	assert.Equal(t, "UpdateTrainingPair", resp.Error.Details["op"])
	assert.Equal(t, "customer", resp.Error.Details["entity"])
	assert.Equal(t, "gold", resp.Error.Details["layer"])
	assert.Equal(t, string(matching.PhaseInitializing), resp.Error.Details["phase"])
}

func TestRespondWithError_ValidationDetails(t *testing.T) {
	err := &matching.ValidationError{Field: "source.kind", Message: "unrecognized kind \"ftp\""}

	req := httptest.NewRequest(http.MethodPost, "/matchings/customer/gold", nil)
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	resp, decodeErr := Decode(rec.Body)
	require.NoError(t, decodeErr)

	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
	assert.Equal(t, "source.kind", resp.Error.Details["field"])
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode(strings.NewReader("not json"))
	require.Error(t, err)
}
