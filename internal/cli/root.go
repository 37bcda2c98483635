// Package cli holds the himari command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var logLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "himari",
	Short: "Himari - agent session and tool-orchestration engine",
	Long: `Himari runs multi-step, tool-using agent sessions on behalf of chat
participants, under a permission policy, with durable session and memory
state.`,
	Version: version,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
