// Package ratelimit caps launches per origin address over a fixed window.
//
// The cap is enforced with an atomic increment-with-expiry on a shared counter
// store, so concurrent requests from the same origin can never both observe
// a count below the limit.
package ratelimit

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/teraunit/teraunit/pkg/telemetry"
)

const (
	// DefaultLimit is the number of launches allowed per window.
	DefaultLimit = 5

	// DefaultWindow is the counting window.
	DefaultWindow = time.Hour

	keyPrefix = "VELOCITY:"
)

// Counter is an atomic increment-with-expiry store.
type Counter interface {
	// Incr increments key and returns the new value. The first increment
	// of a key starts its expiry window; later increments keep it.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Config configures a Fuse.
type Config struct {
	// Limit is the number of launches allowed per origin per window.
	Limit int `yaml:"hourly_limit" validate:"gte=1"`

	// Window is the counting window.
	Window time.Duration `yaml:"window"`

	// AdminIPs bypass the fuse entirely.
	AdminIPs []string `yaml:"admin_ips"`
}

// DefaultConfig returns the default fuse configuration.
func DefaultConfig() Config {
	return Config{
		Limit:    DefaultLimit,
		Window:   DefaultWindow,
		AdminIPs: []string{"127.0.0.1", "::1"},
	}
}

// Fuse trips when an origin exceeds its launch budget.
type Fuse struct {
	counter Counter
	limit   int64
	window  time.Duration
	admins  map[string]struct{}
	logger  *telemetry.Logger
}

// NewFuse creates a fuse over counter.
func NewFuse(counter Counter, cfg Config, logger *telemetry.Logger) *Fuse {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	admins := make(map[string]struct{}, len(cfg.AdminIPs))
	for _, ip := range cfg.AdminIPs {
		admins[normalizeOrigin(ip)] = struct{}{}
	}

	return &Fuse{
		counter: counter,
		limit:   int64(cfg.Limit),
		window:  cfg.Window,
		admins:  admins,
		logger:  logger.NewComponentLogger("velocity-fuse"),
	}
}

// Allow records one launch attempt for origin and reports whether it is within the cap.
func (f *Fuse) Allow(ctx context.Context, origin string) (bool, error) {
	origin = normalizeOrigin(origin)
	if _, ok := f.admins[origin]; ok {
		return true, nil
	}

	count, err := f.counter.Incr(ctx, keyPrefix+origin, f.window)
	if err != nil {
		return false, fmt.Errorf("velocity counter unavailable: %w", err)
	}

	if count > f.limit {
		f.logger.WithField("origin", origin).Warnf("velocity fuse tripped (%d attempts in window)", count)
		return false, nil
	}
	return true, nil
}

// normalizeOrigin canonicalises IP spellings so "0:0:0:0:0:0:0:1" and "::1"
// share a budget. Non-IP origins are kept verbatim; an empty origin is UNKNOWN.
func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "UNKNOWN"
	}
	if addr, err := netip.ParseAddr(origin); err == nil {
		return addr.Unmap().String()
	}
	return origin
}
