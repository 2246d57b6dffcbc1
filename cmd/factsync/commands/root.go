package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "factsync",
		Short: "factsync - keep a knowledge store in step with running process instances",
		Long: `factsync mirrors every running process instance as exactly one fact in a
knowledge store. Facts are inserted when an instance starts, updated when one
of its variables changes and retracted when it completes.

Features:
  - Sharded identity cache that warms itself from the store after a restart
  - SQLite, Badger and in-memory knowledge stores
  - Rego admission policies with hot reload
  - Prometheus metrics, OpenTelemetry traces and structured logs`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./factsync.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
