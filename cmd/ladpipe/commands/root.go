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
	regionFlag string
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
		Use:   "ladpipe",
		Short: "ladpipe - log retrieval and inference instance provisioning",
		Long: `ladpipe retrieves time-windowed log events from CloudWatch Logs and
provisions GPU instances running an inference server.

Features:
  - Paginated, retry-safe log event retrieval with label filtering
  - Label value discovery via Logs Insights queries
  - Manifest-driven batch jobs with per-job artifacts
  - EC2 launch with bounded waits for boot, status checks, and app health
  - Local run history with artifact and instance records`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&regionFlag, "region", "", "AWS region (overrides config and environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newFetchCommand())
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newLaunchCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}
