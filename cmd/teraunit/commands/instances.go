package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newInstancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List active instances",
		Long:  `List the active instances recorded in the ledger, newest first.`,
		Example: `  # Table output
  teraunit instances

  # JSON output
  teraunit instances --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}

			svc, err := newServices(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer svc.close()

			fleet, _ := svc.fleet()
			summaries, err := fleet.ListActive(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list instances: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tINSTANCE\tHEARTBEAT\tSTARTED\tLAST SEEN\tEXPIRES")
			for _, s := range summaries {
				expires := "-"
				if s.ExpiresAt != nil {
					expires = s.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.Provider, s.InstanceID, s.HeartbeatID,
					s.StartTime.Format(time.RFC3339), s.LastHeartbeat.Format(time.RFC3339), expires)
			}
			return w.Flush()
		},
	}

	return cmd
}
