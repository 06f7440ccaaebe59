// Package stores persists the instance ledger.
//
// The ledger is a single table of launched instances keyed by the provider's
// composite instance id. Two backends share one schema: SQLite (pure Go, via
// modernc.org/sqlite) for single-node deployments and PostgreSQL (via the pgx
// stdlib adapter) for replicated control planes. Timestamps are stored as UTC
// unix milliseconds so both backends compare them numerically.
//
// Records are never deleted. Deactivation is a conditional update, so a
// record that has gone inactive can never be revived.
package stores
