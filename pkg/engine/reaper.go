package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/teraunit/teraunit/pkg/telemetry"
)

const (
	// DefaultReapInterval is the reconciliation tick.
	DefaultReapInterval = 60 * time.Second

	// DefaultStaleTimeout is how long an instance may go without a heartbeat.
	DefaultStaleTimeout = 5 * time.Minute

	// DefaultReapConcurrency bounds parallel terminate calls per tick.
	DefaultReapConcurrency = 4
)

// ReaperConfig configures the reconciliation loop.
type ReaperConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	Concurrency  int           `yaml:"concurrency" validate:"gte=0"`
}

// DefaultReaperConfig returns the default loop settings.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:     DefaultReapInterval,
		StaleTimeout: DefaultStaleTimeout,
		Concurrency:  DefaultReapConcurrency,
	}
}

// Reaper periodically reclaims zombies and expired leases.
type Reaper struct {
	fleet  *Fleet
	cfg    ReaperConfig
	group  singleflight.Group
	logger *telemetry.Logger
}

// NewReaper creates a reaper over fleet. Zero config values take their defaults.
func NewReaper(fleet *Fleet, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultReapConcurrency
	}
	return &Reaper{
		fleet:  fleet,
		cfg:    cfg,
		logger: fleet.tel.Logger.NewComponentLogger("reaper"),
	}
}

// Run reaps once immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.WithFields(map[string]interface{}{
		"interval":      r.cfg.Interval.String(),
		"stale_timeout": r.cfg.StaleTimeout.String(),
	}).Info("reaper started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ReapOnce(ctx); err != nil {
			r.logger.WithError(err).Error("reap tick failed")
		}

		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReapOnce runs one reconciliation pass. Concurrent callers share the
// pass already in flight instead of starting another.
func (r *Reaper) ReapOnce(ctx context.Context) (ReapReport, error) {
	v, err, _ := r.group.Do("reap", func() (interface{}, error) {
		return r.reap(ctx)
	})
	report, _ := v.(ReapReport)
	return report, err
}

func (r *Reaper) reap(ctx context.Context) (report ReapReport, err error) {
	timer := telemetry.NewTimer()
	now := r.fleet.now().UTC()

	defer func() {
		report.Duration = timer.Duration()
		r.fleet.tel.Metrics.RecordReaperTick(report.Duration)
	}()

	zombies, err := r.fleet.ledger.FindStale(ctx, now.Add(-r.cfg.StaleTimeout))
	if err != nil {
		return report, fmt.Errorf("find stale instances: %w", err)
	}
	expired, err := r.fleet.ledger.FindExpired(ctx, now)
	if err != nil {
		return report, fmt.Errorf("find expired instances: %w", err)
	}

	type candidate struct {
		inst   *Instance
		reason ReclaimReason
	}

	seen := make(map[string]struct{}, len(zombies))
	candidates := make([]candidate, 0, len(zombies)+len(expired))
	for _, inst := range zombies {
		seen[inst.InstanceID] = struct{}{}
		candidates = append(candidates, candidate{inst, ReclaimZombie})
	}
	for _, inst := range expired {
		if _, ok := seen[inst.InstanceID]; ok {
			continue
		}
		report.Expired++
		candidates = append(candidates, candidate{inst, ReclaimLease})
	}
	report.Zombies = len(zombies)

	if len(candidates) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)

	for _, c := range candidates {
		r.logger.WithInstance(string(c.inst.Provider), c.inst.InstanceID).
			WithField("reason", string(c.reason)).
			Warn("reclaim candidate detected")

		g.Go(func() error {
			err := r.fleet.reclaim(ctx, c.inst, c.reason)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Reclaimed++
			case !errors.Is(err, errNoLongerActive):
				report.Failed++
			}
			// Failures are logged by reclaim and retried next tick.
			return nil
		})
	}
	_ = g.Wait()

	r.logger.WithFields(map[string]interface{}{
		"zombies":   report.Zombies,
		"expired":   report.Expired,
		"reclaimed": report.Reclaimed,
		"failed":    report.Failed,
	}).Info("reap tick completed")

	return report, nil
}
