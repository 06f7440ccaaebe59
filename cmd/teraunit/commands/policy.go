package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

// loadPolicyEngine compiles the built-in policies plus the configured
// operator directories.
func loadPolicyEngine(cmd *cobra.Command) (*policy.Engine, error) {
	cfg, err := loadConfig("")
	if err != nil {
		return nil, err
	}

	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Dirs) > 0 {
		if err := eng.LoadPolicies(cmd.Context(), cfg.Policy.Dirs); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadPolicyEngine(cmd)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(policies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "(built-in)"
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", p.Name, p.Severity, p.Enabled, source)
			}
			return w.Flush()
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var req engine.LaunchRequest
	var provider string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate policies against a launch request",
		Long: `Evaluate every enabled policy against a hypothetical launch request
and print the decision. No provider is contacted.`,
		Example: `  # Would a Lambda launch in Germany be allowed for EU-resident data?
  teraunit policy check --provider LAMBDA --instance-type gpu_1x_a100 \
    --region europe-central-1 --source-region eu-west-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := engine.ParseProvider(provider)
			if err != nil {
				return err
			}
			req.Provider = p

			eng, err := loadPolicyEngine(cmd)
			if err != nil {
				return err
			}

			decision, err := eng.EvaluateLaunch(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("policy evaluation failed: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(decision)
			}
			verdict := "BLOCKED"
			if decision.Allowed {
				fmt.Println("ALLOWED")
				verdict = "WARNING"
			}
			for _, v := range decision.Violations {
				fmt.Printf("%s: %s: %s (%s)\n", verdict, v.Code, v.Message, v.Policy)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider (LAMBDA, RUNPOD or VAST)")
	cmd.Flags().StringVar(&req.InstanceType, "instance-type", "", "instance type, GPU type or offer id")
	cmd.Flags().StringVar(&req.Region, "region", "", "target region")
	cmd.Flags().StringVar(&req.SourceRegion, "source-region", "", "region the data lives in")
	cmd.Flags().IntVar(&req.DatasetSizeGB, "dataset-gb", 0, "dataset size in GB")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}
