package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teraunit/teraunit/pkg/config"
	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/providers/cloud"
	"github.com/teraunit/teraunit/pkg/ratelimit"
	"github.com/teraunit/teraunit/pkg/stores"
	"github.com/teraunit/teraunit/pkg/telemetry"
	"github.com/teraunit/teraunit/pkg/vault"
)

const telemetryShutdownTimeout = 10 * time.Second

// services holds the long-lived components shared by the commands. close
// releases them in reverse order of construction.
type services struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	ledger  *stores.LedgerStore
	vault   *vault.Vault
	redis   *redis.Client
	closers []func() error
}

func (r *services) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *services) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && r.tel != nil {
			r.tel.Logger.WithError(err).Warn("shutdown step failed")
		}
	}
	r.closers = nil
}

// loadConfig reads the config file named by --config and the environment.
func loadConfig(version string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}
	return cfg, nil
}

// newServices brings up telemetry and the ledger. withVault also unlocks the
// credential vault, which every command touching provider keys needs.
func newServices(ctx context.Context, cfg *config.Config, withVault bool) (*services, error) {
	rt := &services{cfg: cfg}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.tel = tel
	rt.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	ledger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.ledger = ledger
	rt.onClose(ledger.Close)

	if withVault {
		v, err := vault.New(cfg.Vault.Key)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to unlock vault: %w", err)
		}
		rt.vault = v
		rt.onClose(func() error {
			v.Destroy()
			return nil
		})
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.redis = client
		rt.onClose(client.Close)
	}

	return rt, nil
}

// openLedger connects to the ledger and applies pending migrations.
func openLedger(ctx context.Context, cfg stores.Config) (*stores.LedgerStore, error) {
	ledger, err := stores.NewLedgerStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	if err := ledger.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := ledger.Migrate(ctx); err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return ledger, nil
}

// fleet builds the provider executor and the fleet over it.
func (r *services) fleet() (*engine.Fleet, *cloud.Executor) {
	registry := cloud.NewDefaultRegistry(r.cfg.Providers)
	r.tel.Logger.WithField("providers", registry.Names()).Debug("provider registry ready")
	executor := cloud.NewExecutor(registry, r.cfg.Providers.CallbackURL, r.tel)
	fleet := engine.NewFleet(r.ledger, executor, r.vault, engine.FleetConfig{
		MaxRuntime: r.cfg.Lease.MaxRuntime(),
	}, r.tel)
	return fleet, executor
}

// fuseCounter opens the counter store selected by fuse.backend.
func (r *services) fuseCounter() (ratelimit.Counter, error) {
	switch r.cfg.Fuse.Backend {
	case config.FuseBackendRedis:
		if r.redis == nil {
			return nil, errors.New("fuse backend redis requires redis.addr")
		}
		return ratelimit.NewRedisCounter(r.redis), nil
	default:
		counter, err := ratelimit.OpenBadgerCounter(r.cfg.Fuse.Badger)
		if err != nil {
			return nil, fmt.Errorf("failed to open fuse counter: %w", err)
		}
		r.onClose(counter.Close)
		return counter, nil
	}
}
