// Package cmd wires the server's cobra CLI, grounded on the teacher's own
// internal/cmd + cmd/conductor/main.go shape: a root command delegating to
// `serve` (the primary subcommand) and `migrate`.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped into the startup banner and the /health response.
const Version = "0.1.0"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Fire-and-forget AI task delegation server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// Execute runs the root command; main delegates to this exactly like the
// teacher's cmd/conductor/main.go did for its own CLI.
func Execute() error {
	return newRootCmd().Execute()
}
