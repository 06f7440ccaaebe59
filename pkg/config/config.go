package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/teraunit/teraunit/pkg/api"
	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/providers/cloud"
	"github.com/teraunit/teraunit/pkg/ratelimit"
	"github.com/teraunit/teraunit/pkg/stores"
	"github.com/teraunit/teraunit/pkg/telemetry"
)

// Fuse counter backends.
const (
	FuseBackendBadger = "badger"
	FuseBackendRedis  = "redis"
)

// DefaultCallbackURL is only reachable from agents on the same host.
const DefaultCallbackURL = "http://127.0.0.1:8080/v1/heartbeat"

// Config is the complete service configuration.
type Config struct {
	// Server configures the HTTP boundary.
	Server api.Config `yaml:"server"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// Ledger configures the instance ledger database.
	Ledger stores.Config `yaml:"ledger"`

	// Providers configures the cloud provider clients.
	Providers cloud.Config `yaml:"providers"`

	// Reaper configures the reconciliation loop.
	Reaper engine.ReaperConfig `yaml:"reaper"`

	// Lease configures the hard runtime cap.
	Lease LeaseConfig `yaml:"lease"`

	// Fuse configures the per-origin launch cap.
	Fuse FuseConfig `yaml:"fuse"`

	// Redis is shared by the fuse counters and the price cache.
	Redis RedisConfig `yaml:"redis"`

	// Vault holds the credential encryption keys.
	Vault VaultConfig `yaml:"vault"`

	// Auth configures the request guards.
	Auth AuthConfig `yaml:"auth"`

	// Policy configures operator admission policies.
	Policy PolicyConfig `yaml:"policy"`
}

// LeaseConfig configures instance leases.
type LeaseConfig struct {
	// MaxRuntimeMinutes caps every instance's lifetime. Zero disables leases.
	MaxRuntimeMinutes int `yaml:"max_runtime_minutes" validate:"gte=0"`
}

// MaxRuntime returns the lease length.
func (l LeaseConfig) MaxRuntime() time.Duration {
	return time.Duration(l.MaxRuntimeMinutes) * time.Minute
}

// FuseConfig selects the counter store behind the velocity fuse.
type FuseConfig struct {
	ratelimit.Config `yaml:",inline"`

	// Backend is "badger" (embedded, single node) or "redis" (shared).
	Backend string `yaml:"backend" validate:"oneof=badger redis"`

	Badger ratelimit.BadgerConfig `yaml:"badger"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// VaultConfig holds the raw key list. Prefer TERA_VAULT_KEY over the file.
type VaultConfig struct {
	Key string `yaml:"key"`
}

// AuthConfig configures the control and heartbeat guards.
type AuthConfig struct {
	ControlTokens                 []string `yaml:"control_tokens"`
	ControlTokenFile              string   `yaml:"control_token_file"`
	HeartbeatAllowUnauthenticated bool     `yaml:"heartbeat_allow_unauthenticated"`
	TrustForwardedHeaders         bool     `yaml:"trust_forwarded_headers"`
}

// PolicyConfig lists directories of operator Rego policies.
type PolicyConfig struct {
	Dirs []string `yaml:"dirs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    api.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Ledger: stores.Config{
			Driver: "sqlite",
			DSN:    "teraunit.db",
		},
		Providers: func() cloud.Config {
			c := cloud.DefaultConfig()
			c.CallbackURL = DefaultCallbackURL
			return c
		}(),
		Reaper: engine.DefaultReaperConfig(),
		Fuse: FuseConfig{
			Config:  ratelimit.DefaultConfig(),
			Backend: FuseBackendBadger,
			Badger:  ratelimit.BadgerConfig{InMemory: true},
		},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (optional) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv reads path (optional) and applies overrides from lookup.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays the TERA_* variables.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = auth.ParseTokenList(v)
		}
	}

	if v, ok := lookup("TERA_VAULT_KEY"); ok && strings.TrimSpace(v) != "" {
		cfg.Vault.Key = v
	}
	list("TERA_CONTROL_TOKENS", &cfg.Auth.ControlTokens)
	str("TERA_CONTROL_TOKEN_FILE", &cfg.Auth.ControlTokenFile)
	str("TERA_CALLBACK_URL", &cfg.Providers.CallbackURL)
	str("TERA_LEDGER_DRIVER", &cfg.Ledger.Driver)
	str("TERA_LEDGER_DSN", &cfg.Ledger.DSN)
	str("TERA_REDIS_ADDR", &cfg.Redis.Addr)
	str("TERA_NATS_URL", &cfg.Telemetry.Events.NATS.URL)
	str("TERA_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	list("TERA_ADMIN_IPS", &cfg.Fuse.AdminIPs)
	list("TERA_POLICY_DIR", &cfg.Policy.Dirs)

	if err := boolean("TERA_HEARTBEAT_ALLOW_UNAUTHENTICATED", &cfg.Auth.HeartbeatAllowUnauthenticated); err != nil {
		return err
	}
	if err := boolean("TERA_TRUST_FORWARDED_HEADERS", &cfg.Auth.TrustForwardedHeaders); err != nil {
		return err
	}
	if err := integer("TERA_MAX_RUNTIME_MINUTES", &cfg.Lease.MaxRuntimeMinutes); err != nil {
		return err
	}
	if err := integer("TERA_FUSE_HOURLY_LIMIT", &cfg.Fuse.Limit); err != nil {
		return err
	}

	// A shared Redis makes the fuse exact across replicas.
	if _, set := lookup("TERA_REDIS_ADDR"); set && cfg.Redis.Addr != "" {
		cfg.Fuse.Backend = FuseBackendRedis
	}
	cfg.Telemetry.Logging.Level = strings.ToLower(cfg.Telemetry.Logging.Level)
	return nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.Telemetry == nil {
		return errors.New("telemetry configuration is required")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Fuse.Backend == FuseBackendRedis && c.Redis.Addr == "" {
		return errors.New("invalid configuration: fuse backend redis requires redis.addr")
	}
	if c.Fuse.Backend == FuseBackendBadger && !c.Fuse.Badger.InMemory && c.Fuse.Badger.Path == "" {
		return errors.New("invalid configuration: fuse backend badger requires a path or in_memory")
	}
	return nil
}

// RequireServeSecrets checks what the serve command cannot run without.
func (c *Config) RequireServeSecrets() error {
	if strings.TrimSpace(c.Vault.Key) == "" {
		return errors.New("vault key is not configured (set TERA_VAULT_KEY)")
	}
	if len(c.Auth.ControlTokens) == 0 && c.Auth.ControlTokenFile == "" {
		return errors.New("no control token configured (set TERA_CONTROL_TOKENS or TERA_CONTROL_TOKEN_FILE)")
	}
	return nil
}
