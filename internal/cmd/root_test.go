package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		// Save and restore
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		result := GetAppIdentity()
		assert.Nil(t, result)
	})

	t.Run("returns identity after set", func(t *testing.T) {
		// If appIdentity is already set from other tests, verify it returns
		if appIdentity != nil {
			result := GetAppIdentity()
			assert.NotNil(t, result)
			assert.Equal(t, appIdentity, result)
		}
	})
}

func TestSetDefaults(t *testing.T) {
	// Reset viper for clean test
	v := viper.New()
	viper.Reset()
	defer func() {
		// Restore defaults
		viper.Reset()
		_ = v
	}()

	// Call setDefaults
	setDefaults()

	// Verify server defaults
	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "30s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	// Verify logging defaults
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))

	// Verify driver defaults
	assert.Equal(t, "1s", viper.GetString("driver.tick_period"))
	assert.Equal(t, 1, viper.GetInt("driver.min_labeled_pairs"))

	// Verify matching defaults
	assert.Equal(t, 1000, viper.GetInt("matching.sample_size"))
	assert.Equal(t, 500, viper.GetInt("matching.score_batch_size"))
	assert.InDelta(t, 0.7, viper.GetFloat64("matching.retention_threshold"), 0.001)
	assert.InDelta(t, 0.5, viper.GetFloat64("matching.cluster_threshold"), 0.001)
	assert.Equal(t, 100, viper.GetInt("matching.proposal_batch_groups"))
	assert.Equal(t, 3, viper.GetInt("matching.rules_max_columns"))

	// Verify pair store defaults
	assert.Equal(t, "", viper.GetString("pairstore.path"))

	// Verify health defaults
	assert.True(t, viper.GetBool("health.enabled"))

	// Verify debug defaults
	assert.False(t, viper.GetBool("debug.enabled"))
	assert.False(t, viper.GetBool("debug.pprof_enabled"))
}
