// Package cmd implements the gomatch CLI: the API server and the client
// commands that talk to it.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/gomatch/internal/config"
	"github.com/3leaps/gomatch/internal/observability"
)

// versionInfo holds build metadata main injects at link time.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata. Call it before Execute.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the application for env vars, config files and health
// reporting.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the application identity, or nil before the root
// command initialized it.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	readOnly     bool
	rootLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "gomatch",
	Short: "Assisted record matching service",
	Long: `gomatch finds duplicate and misgrouped records with a
train-by-example matching model.

Jobs run behind an HTTP API: initialize a matching for an entity and layer,
label the training pairs the model is least sure about, then let the
background driver block, score and cluster the records into merge and split
proposals.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		appIdentity = &AppIdentity{
			BinaryName: "gomatch",
			EnvPrefix:  "GOMATCH",
			ConfigName: "gomatch",
		}
		if err := observability.InitCLILogger(rootLogLevel); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Disable mutating commands")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "CLI log level (debug|info|warn|error)")
	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))
	_ = viper.BindEnv("readonly", "GOMATCH_READONLY")
	setDefaults()
}

// setDefaults seeds the global viper instance with the built-in defaults.
func setDefaults() {
	for key, val := range config.Defaults() {
		viper.SetDefault(key, val)
	}
}

// IsReadOnly reports whether mutating commands are disabled, via the
// --readonly flag or GOMATCH_READONLY.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
