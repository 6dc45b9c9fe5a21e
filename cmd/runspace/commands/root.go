// Package commands provides the CLI commands for runspace.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	configPath string
	logLevel   string
	logPretty  bool
)

var rootCmd = &cobra.Command{
	Use:   "runspace",
	Short: "Run commands in an isolated engine and filter their results",
	Long: `runspace submits a command to a command engine reached in-process,
over a helper process's stdio, or over a named local socket, then narrows
the structured results with filter predicates evaluated by the same engine.

Run 'runspace run' to execute the configured command.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: runspace.yaml|yml|json|jsonc in the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (TRACE|DEBUG|INFO|WARN|ERROR|OFF)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", false, "Human-readable logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("runspace %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
