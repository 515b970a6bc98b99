package main

import (
	"fmt"
	"os"

	"github.com/3leaps/gomatch/internal/cmd"
)

// Build metadata injected via -ldflags at release time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
