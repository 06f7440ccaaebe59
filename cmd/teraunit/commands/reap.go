package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/teraunit/teraunit/pkg/engine"
)

func newReapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper pass",
		Long: `Run a single reconciliation pass and exit.

Instances whose last heartbeat is older than the stale timeout, and instances
past their lease, are terminated with the provider and marked inactive.
Useful from cron when the control plane runs without its own reaper.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}

			svc, err := newServices(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer svc.close()

			fleet, _ := svc.fleet()
			report, err := engine.NewReaper(fleet, cfg.Reaper).ReapOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("reap failed: %w", err)
			}

			log.Info().
				Int("zombies", report.Zombies).
				Int("expired", report.Expired).
				Int("reclaimed", report.Reclaimed).
				Int("failed", report.Failed).
				Dur("duration", report.Duration).
				Msg("Reap complete")

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(report)
			}
			fmt.Printf("zombies=%d expired=%d reclaimed=%d failed=%d\n",
				report.Zombies, report.Expired, report.Reclaimed, report.Failed)
			return nil
		},
	}

	return cmd
}
