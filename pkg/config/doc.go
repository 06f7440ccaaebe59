// Package config loads the teraunit service configuration.
//
// # Overview
//
// Configuration comes from three layers, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. An optional YAML file
//  3. Environment variables
//
// The merged result is validated with go-playground/validator before use.
//
// # File Format
//
//	server:
//	  listen_addr: ":8080"
//	ledger:
//	  driver: postgres
//	  dsn: postgres://tera:secret@db:5432/tera?sslmode=disable
//	providers:
//	  callback_url: https://control.example.com/v1/heartbeat
//	fuse:
//	  hourly_limit: 5
//	  backend: redis
//	redis:
//	  addr: redis:6379
//	lease:
//	  max_runtime_minutes: 240
//	reaper:
//	  interval: 60s
//	  stale_timeout: 5m
//
// Unknown keys are rejected so typos do not silently fall back to defaults.
//
// # Environment
//
// Secrets are normally supplied through the environment only:
//
//	TERA_VAULT_KEY                       vault key list (primary first)
//	TERA_CONTROL_TOKENS                  accepted control tokens
//	TERA_CONTROL_TOKEN_FILE              token file, reloaded on change
//	TERA_HEARTBEAT_ALLOW_UNAUTHENTICATED accept heartbeats for records without a token hash
//	TERA_MAX_RUNTIME_MINUTES             lease length, 0 disables leases
//	TERA_CALLBACK_URL                    heartbeat URL baked into agents
//	TERA_LEDGER_DRIVER, TERA_LEDGER_DSN  ledger database
//	TERA_REDIS_ADDR                      fuse counters and price cache
//	TERA_NATS_URL                        lifecycle event sink
//	TERA_LISTEN_ADDR                     HTTP listen address
//	TERA_TRUST_FORWARDED_HEADERS         honour proxy client-IP headers
//	TERA_FUSE_HOURLY_LIMIT               launches per origin per hour
//	TERA_ADMIN_IPS                       origins that bypass the fuse
//	TERA_POLICY_DIR                      operator policy directories
//	LOG_LEVEL                            log level
package config
