package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatch/pkg/matching"
)

func TestRunStatus_ListsMatchings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/matchings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"matchings": []matching.Status{
				{
					ID:             matching.ID{Entity: "customer", Layer: "gold"},
					Phase:          matching.PhaseReady,
					Progress:       1.0,
					MatchLabels:    3,
					DistinctLabels: 2,
					MergeProposals: 4,
					SplitProposals: 1,
				},
			},
		})
	}))
	defer ts.Close()

	statusServer = ts.URL
	statusJSON = false
	t.Cleanup(func() { statusServer = "http://localhost:8080" })

	output := captureStdout(t, func() error {
		return runStatus(statusCmd, nil)
	})

	assert.Contains(t, output, "MATCHING")
	assert.Contains(t, output, "customer/gold")
	assert.Contains(t, output, "ready")
	assert.Contains(t, output, "100%")
}

func TestRunStatus_ShowsOneMatching(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/matchings/customer/gold/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(matching.Status{
			ID:              matching.ID{Entity: "customer", Layer: "gold"},
			Phase:           matching.PhaseScoringPairs,
			Progress:        0.4,
			SubOperation:    "scoring pairs",
			MatchLabels:     3,
			DistinctLabels:  2,
			ModelQuality:    0.87,
			Clustering:      matching.StatePlanned,
			RecordsMatching: matching.StatePlanned,
			RulesExtraction: matching.StateNotPlanned,
			RecordsTotal:    1200,
		})
	}))
	defer ts.Close()

	statusServer = ts.URL
	statusJSON = false
	t.Cleanup(func() { statusServer = "http://localhost:8080" })

	output := captureStdout(t, func() error {
		return runStatus(statusCmd, []string{"customer/gold"})
	})

	assert.Contains(t, output, "Matching: customer/gold")
	assert.Contains(t, output, "Phase:    scoring_pairs")
	assert.Contains(t, output, "Step:     scoring pairs")
	assert.Contains(t, output, "Match labels:    3")
	assert.Contains(t, output, "Model quality:   0.87")
	assert.Contains(t, output, "Records:          1200")
}

func TestRunStatus_JSONOutput(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(matching.Status{
			ID:    matching.ID{Entity: "customer", Layer: "gold"},
			Phase: matching.PhaseReady,
		})
	}))
	defer ts.Close()

	statusServer = ts.URL
	statusJSON = true
	t.Cleanup(func() {
		statusServer = "http://localhost:8080"
		statusJSON = false
	})

	output := captureStdout(t, func() error {
		return runStatus(statusCmd, []string{"customer/gold"})
	})

	var decoded matching.Status
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	assert.Equal(t, matching.PhaseReady, decoded.Phase)
}

func TestRunStatus_RejectsMalformedID(t *testing.T) {
	err := runStatus(statusCmd, []string{"not-an-id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid matching id")
}

func TestPrintStatusTable_Empty(t *testing.T) {
	output := captureStdout(t, func() error {
		return printStatusTable(nil)
	})
	assert.Contains(t, output, "No matchings.")
}
