package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gomatch %s\n", versionInfo.Version)
		fmt.Printf("  commit:     %s\n", versionInfo.Commit)
		fmt.Printf("  built:      %s\n", versionInfo.BuildDate)
		fmt.Printf("  go version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
