package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teraunit/teraunit/pkg/api"
	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/config"
	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/policy"
	"github.com/teraunit/teraunit/pkg/pricing"
	"github.com/teraunit/teraunit/pkg/ratelimit"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the HTTP control plane and the reaper.

This command:
  - Opens and migrates the instance ledger
  - Unlocks the credential vault (TERA_VAULT_KEY)
  - Loads operator policies and watches them for changes
  - Serves launch, terminate, heartbeat and pricing endpoints
  - Reclaims zombie and expired instances on every reaper tick`,
		Example: `  # Serve with environment configuration only
  TERA_VAULT_KEY=... TERA_CONTROL_TOKENS=... teraunit serve

  # Serve with a config file
  teraunit serve --config /etc/teraunit/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(version)
			if err != nil {
				return err
			}
			if err := cfg.RequireServeSecrets(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	svc, err := newServices(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.close()

	logger := svc.tel.Logger.NewComponentLogger("serve")

	fleet, executor := svc.fleet()

	policies, err := policy.NewEngine(*svc.tel.Logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Dirs) > 0 {
		if err := policies.Watch(ctx, cfg.Policy.Dirs); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	counter, err := svc.fuseCounter()
	if err != nil {
		return err
	}
	fuse := ratelimit.NewFuse(counter, cfg.Fuse.Config, svc.tel.Logger)

	var prices engine.PriceSource = pricing.Nop{}
	var index api.PriceIndex
	if svc.redis != nil {
		source := pricing.NewSource(svc.redis, svc.tel.Logger)
		prices = source
		index = source
	} else {
		logger.Warn("redis not configured: egress check and pricing endpoint disabled")
	}

	control := auth.NewControlAuth(cfg.Auth.ControlTokens, svc.tel.Logger)
	if cfg.Auth.ControlTokenFile != "" {
		if err := control.WatchTokenFile(ctx, cfg.Auth.ControlTokenFile, cfg.Auth.ControlTokens); err != nil {
			return fmt.Errorf("failed to watch control token file: %w", err)
		}
	}

	admission, err := engine.NewAdmission(engine.AdmissionDeps{
		Policy:   policies,
		Limiter:  fuse,
		Verifier: executor,
		Prices:   prices,
		Executor: executor,
		Sealer:   svc.vault,
		Ledger:   svc.ledger,
		Mint:     auth.NewHeartbeatIdentity,
	}, fleet, svc.tel)
	if err != nil {
		return fmt.Errorf("failed to create admission: %w", err)
	}

	server, err := api.NewServer(cfg.Server, api.Deps{
		Launcher:  admission,
		Fleet:     fleet,
		Control:   control,
		Heartbeat: auth.NewHeartbeatAuth(svc.ledger, cfg.Auth.HeartbeatAllowUnauthenticated),
		ClientIP:  auth.NewClientIPResolver(cfg.Auth.TrustForwardedHeaders),
		Prices:    index,
		Health:    svc.ledger,
	}, svc.tel)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	reaper := engine.NewReaper(fleet, cfg.Reaper)

	log.Info().
		Str("listen", cfg.Server.ListenAddr).
		Str("ledger", cfg.Ledger.Driver).
		Str("fuse", cfg.Fuse.Backend).
		Int("vault_keys", svc.vault.KeyCount()).
		Dur("max_runtime", cfg.Lease.MaxRuntime()).
		Msg("Starting control plane")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("control plane stopped")
	return nil
}
