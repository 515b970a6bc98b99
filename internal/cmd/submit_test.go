package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomatch/pkg/manifest"
	"github.com/3leaps/gomatch/pkg/matching"
)

// captureStdout runs fn and returns what it wrote to stdout.
func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fnErr := fn()

	require.NoError(t, w.Close())
	os.Stdout = old
	require.NoError(t, fnErr)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String()
}

func TestShowSubmitPlan(t *testing.T) {
	tests := []struct {
		name     string
		manifest *manifest.Manifest
		contains []string
	}{
		{
			name: "file source manifest",
			manifest: &manifest.Manifest{
				Version:  "1.0",
				Matching: manifest.MatchingConfig{Entity: "customer", Layer: "gold"},
				Records: manifest.RecordsConfig{
					Columns:  []string{"name", "city"},
					IDColumn: "id",
				},
				Source: manifest.SourceConfig{
					Kind: "file",
					Path: "./records",
				},
			},
			contains: []string{
				"Submit Plan (dry-run)",
				"Matching:    customer/gold",
				"name city",
				"ID Column:   id",
				"Source:      file",
				"Path:        ./records",
				"Manifest validated successfully",
			},
		},
		{
			name: "s3 source with tuning",
			manifest: &manifest.Manifest{
				Version:  "1.0",
				Matching: manifest.MatchingConfig{Entity: "supplier", Layer: "silver"},
				Records: manifest.RecordsConfig{
					Columns:     []string{"name"},
					IDColumn:    "id",
					GroupColumn: "group",
				},
				Source: manifest.SourceConfig{
					Kind:     "s3",
					Bucket:   "match-data",
					Region:   "us-east-1",
					Endpoint: "https://custom.endpoint.com",
					Path:     "exports/",
					Includes: []string{"**/*.csv"},
					Excludes: []string{"**/_tmp/**"},
				},
				Evaluation: manifest.EvaluationConfig{
					CachedProposalCount: 250,
					ConfidenceThreshold: 0.75,
				},
				Rules: manifest.RulesConfig{
					MinMatchConfidence:    0.95,
					MinDistinctConfidence: 0.85,
				},
			},
			contains: []string{
				"Matching:    supplier/silver",
				"Group:       group",
				"Source:      s3",
				"Bucket:      match-data",
				"Region:      us-east-1",
				"Endpoint:    https://custom.endpoint.com",
				"Include:",
				"**/*.csv",
				"Exclude:",
				"**/_tmp/**",
				"Cached Pairs: 250",
				"Confidence:   0.75",
				"Rule Match:   0.95",
				"Rule Distinct: 0.85",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureStdout(t, func() error {
				return showSubmitPlan(tt.manifest)
			})

			for _, want := range tt.contains {
				assert.Contains(t, output, want, "output should contain %q", want)
			}
		})
	}
}

func TestRunSubmit_PostsSettings(t *testing.T) {
	resetReadOnly(t)

	var gotPath string
	var gotSettings matching.Settings
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSettings))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(matching.Status{
			ID:    matching.ID{Entity: "customer", Layer: "gold"},
			Phase: matching.PhaseTrainingModel,
		})
	}))
	defer ts.Close()

	submitJobPath = writeSubmitManifest(t)
	submitServer = ts.URL
	submitDryRun = false
	t.Cleanup(func() {
		submitJobPath = ""
		submitServer = "http://localhost:8080"
	})

	output := captureStdout(t, func() error {
		return runSubmit(submitCmd, nil)
	})

	assert.Equal(t, "/matchings/customer/gold", gotPath)
	assert.Equal(t, []string{"name", "city"}, gotSettings.Columns)
	assert.Equal(t, "id", gotSettings.IDColumn)
	assert.Equal(t, matching.SourceFile, gotSettings.Source.Kind)
	assert.Contains(t, output, "Submitted: customer/gold")
	assert.Contains(t, output, "training_model")
}

func TestRunSubmit_ServerConflict(t *testing.T) {
	resetReadOnly(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_PHASE","message":"init customer/gold [training_model]: phase does not allow the operation"}}`))
	}))
	defer ts.Close()

	submitJobPath = writeSubmitManifest(t)
	submitServer = ts.URL
	submitDryRun = false
	t.Cleanup(func() {
		submitJobPath = ""
		submitServer = "http://localhost:8080"
	})

	err := runSubmit(submitCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_PHASE")
	assert.Contains(t, err.Error(), "http 409")
}

func TestDecodeAPIError(t *testing.T) {
	t.Run("decodes the standard envelope", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Body:       newBody(`{"error":{"code":"UNKNOWN_MATCHING","message":"no matching for nobody/home"}}`),
		}

		err := decodeAPIError(resp)
		require.Error(t, err)

		var aerr *apiError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, http.StatusNotFound, aerr.Status)
		assert.Equal(t, "UNKNOWN_MATCHING", aerr.Code)
		assert.Contains(t, aerr.Message, "nobody/home")
	})

	t.Run("falls back on non-envelope bodies", func(t *testing.T) {
		resp := &http.Response{
			StatusCode: http.StatusBadGateway,
			Status:     "502 Bad Gateway",
			Body:       newBody("upstream exploded"),
		}

		err := decodeAPIError(resp)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server returned 502")
	})
}

func newBody(s string) *bodyCloser {
	return &bodyCloser{Reader: strings.NewReader(s)}
}

type bodyCloser struct {
	*strings.Reader
}

func (b *bodyCloser) Close() error { return nil }

func TestExitError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		want    string
	}{
		{
			name:    "basic error",
			code:    1,
			message: "Something failed",
			want:    "Something failed",
		},
		{
			name:    "includes exit code",
			code:    32,
			message: "Auth failed",
			want:    "exit code 32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitError(tt.code, tt.message, assert.AnError)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want))
		})
	}
}
