// Package config loads the service configuration from defaults, an
// optional config file, environment variables and runtime overrides, in
// ascending precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gomatch/internal/observability"
	"github.com/3leaps/gomatch/pkg/rules"
)

// EnvConfigFile names an explicit config file to load. When set, the file
// must exist; without it gomatch.yaml is searched in the working directory
// and the user config directory, and its absence is fine.
const EnvConfigFile = "GOMATCH_CONFIG"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Driver    DriverConfig    `mapstructure:"driver"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	PairStore PairStoreConfig `mapstructure:"pairstore"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the log level and output profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// DriverConfig tunes the background phase driver.
type DriverConfig struct {
	TickPeriod      time.Duration `mapstructure:"tick_period"`
	MinLabeledPairs int           `mapstructure:"min_labeled_pairs"`
}

// MatchingConfig tunes the pipeline steps shared by every job.
type MatchingConfig struct {
	SampleSize          int     `mapstructure:"sample_size"`
	ScoreBatchSize      int     `mapstructure:"score_batch_size"`
	RetentionThreshold  float64 `mapstructure:"retention_threshold"`
	ClusterThreshold    float64 `mapstructure:"cluster_threshold"`
	ProposalBatchGroups int     `mapstructure:"proposal_batch_groups"`
	RulesMaxColumns     int     `mapstructure:"rules_max_columns"`
}

// PairStoreConfig locates the training-pair journal. An empty path
// disables the journal.
type PairStoreConfig struct {
	Path string `mapstructure:"path"`
}

// HealthConfig toggles the health endpoints' dependency checks.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig toggles debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Defaults returns the built-in configuration as dotted viper keys. The CLI
// seeds its global viper instance from the same map.
func Defaults() map[string]any {
	return map[string]any{
		"server.host":             "localhost",
		"server.port":             8080,
		"server.read_timeout":     "30s",
		"server.write_timeout":    "30s",
		"server.idle_timeout":     "120s",
		"server.shutdown_timeout": "10s",

		"logging.level":   "info",
		"logging.profile": "structured",

		"driver.tick_period":       "1s",
		"driver.min_labeled_pairs": 1,

		"matching.sample_size":           1000,
		"matching.score_batch_size":      500,
		"matching.retention_threshold":   0.7,
		"matching.cluster_threshold":     0.5,
		"matching.proposal_batch_groups": 100,
		"matching.rules_max_columns":     rules.DefaultMaxColumns,

		"pairstore.path": "",

		"health.enabled": true,

		"debug.enabled":       false,
		"debug.pprof_enabled": false,
	}
}

// envBindings maps config keys to their flat environment variable names.
func envBindings() map[string]string {
	return map[string]string{
		"server.host":             "GOMATCH_HOST",
		"server.port":             "GOMATCH_PORT",
		"server.read_timeout":     "GOMATCH_READ_TIMEOUT",
		"server.write_timeout":    "GOMATCH_WRITE_TIMEOUT",
		"server.idle_timeout":     "GOMATCH_IDLE_TIMEOUT",
		"server.shutdown_timeout": "GOMATCH_SHUTDOWN_TIMEOUT",

		"logging.level":   "GOMATCH_LOG_LEVEL",
		"logging.profile": "GOMATCH_LOG_PROFILE",

		"driver.tick_period":       "GOMATCH_TICK_PERIOD",
		"driver.min_labeled_pairs": "GOMATCH_MIN_LABELED_PAIRS",

		"matching.sample_size":           "GOMATCH_SAMPLE_SIZE",
		"matching.score_batch_size":      "GOMATCH_SCORE_BATCH_SIZE",
		"matching.retention_threshold":   "GOMATCH_RETENTION_THRESHOLD",
		"matching.cluster_threshold":     "GOMATCH_CLUSTER_THRESHOLD",
		"matching.proposal_batch_groups": "GOMATCH_PROPOSAL_BATCH_GROUPS",
		"matching.rules_max_columns":     "GOMATCH_RULES_MAX_COLUMNS",

		"pairstore.path": "GOMATCH_PAIRSTORE_PATH",

		"health.enabled": "GOMATCH_HEALTH_ENABLED",

		"debug.enabled":       "GOMATCH_DEBUG_ENABLED",
		"debug.pprof_enabled": "GOMATCH_PPROF_ENABLED",
	}
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration. Precedence, lowest to highest: defaults,
// config file, environment variables, runtime overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()

	for key, val := range Defaults() {
		v.SetDefault(key, val)
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for key, env := range envBindings() {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	// Runtime overrides go through Set, which outranks the env layer.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil before Load ran.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Logging.Profile {
	case observability.ProfileStructured, observability.ProfileConsole:
	default:
		return fmt.Errorf("unknown logging profile %q", c.Logging.Profile)
	}
	if c.Driver.TickPeriod <= 0 {
		return fmt.Errorf("driver tick period must be positive, got %s", c.Driver.TickPeriod)
	}
	if c.Driver.MinLabeledPairs < 1 {
		return fmt.Errorf("driver min labeled pairs must be at least 1, got %d", c.Driver.MinLabeledPairs)
	}
	if c.Matching.SampleSize < 1 {
		return fmt.Errorf("matching sample size must be at least 1, got %d", c.Matching.SampleSize)
	}
	if c.Matching.ScoreBatchSize < 1 {
		return fmt.Errorf("matching score batch size must be at least 1, got %d", c.Matching.ScoreBatchSize)
	}
	if c.Matching.ProposalBatchGroups < 1 {
		return fmt.Errorf("matching proposal batch groups must be at least 1, got %d", c.Matching.ProposalBatchGroups)
	}
	if c.Matching.RetentionThreshold < 0 || c.Matching.RetentionThreshold > 1 {
		return fmt.Errorf("matching retention threshold must be within [0, 1], got %g", c.Matching.RetentionThreshold)
	}
	if c.Matching.ClusterThreshold < 0 || c.Matching.ClusterThreshold > 1 {
		return fmt.Errorf("matching cluster threshold must be within [0, 1], got %g", c.Matching.ClusterThreshold)
	}
	return nil
}

// readConfigFile loads an explicit config file when EnvConfigFile names
// one, and otherwise searches the standard locations. Only the explicit
// file is required to exist.
func readConfigFile(v *viper.Viper) error {
	if path := os.Getenv(EnvConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("gomatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "gomatch"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for k, nv := range flatten(full, nested) {
				out[k] = nv
			}
			continue
		}
		out[full] = val
	}
	return out
}
