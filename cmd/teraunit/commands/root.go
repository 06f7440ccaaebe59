package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "teraunit",
		Short: "TeraUnit - GPU fleet control plane",
		Long: `TeraUnit launches GPU instances on Lambda Labs, RunPod and Vast.ai on
behalf of callers who supply their own provider keys, and reclaims every
instance that stops sending heartbeats or outlives its lease.

Every launch passes admission first: request validation, operator policy,
a per-origin velocity fuse, credential verification and a data egress check.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newReapCommand())
	rootCmd.AddCommand(newInstancesCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
