// Package observability constructs the process loggers.
//
// Two profiles exist: STRUCTURED emits JSON for log pipelines and is what
// the service runs with; CONSOLE emits human-readable output for CLI use.
// CLILogger is the shared logger for cobra commands and is re-initialized
// once flags are parsed.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// CLILogger is the logger cobra commands write to. It starts at info level
// so early command paths can log before configuration is resolved.
var CLILogger = mustConsoleLogger("info")

// NewLogger builds a logger for the given profile and level.
//
// Unknown profiles and levels are errors so a config typo fails fast
// instead of silently logging in the wrong shape.
func NewLogger(profile, level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch strings.ToUpper(profile) {
	case ProfileStructured:
		cfg := zap.NewProductionConfig()
		cfg.Level = lvl
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	case ProfileConsole:
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = lvl
		return cfg.Build()
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}
}

// InitCLILogger replaces CLILogger with a console logger at the given
// level. The root command calls this once flags are parsed.
func InitCLILogger(level string) error {
	logger, err := NewLogger(ProfileConsole, level)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

func mustConsoleLogger(level string) *zap.Logger {
	logger, err := NewLogger(ProfileConsole, level)
	if err != nil {
		panic(fmt.Sprintf("build default CLI logger: %v", err))
	}
	return logger
}
