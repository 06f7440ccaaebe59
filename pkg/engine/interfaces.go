package engine

import (
	"context"
	"errors"
	"time"
)

// ErrInstanceNotFound is returned by a Ledger when no record matches.
var ErrInstanceNotFound = errors.New("instance not found")

// Ledger persists the record of every launched instance.
// Records are created once, mutated by heartbeats and reclamation, and never deleted.
type Ledger interface {
	// Insert stores a new record. Instance and heartbeat ids must be unique.
	Insert(ctx context.Context, inst *Instance) error

	// FindByInstanceID returns the record for a provider instance id.
	FindByInstanceID(ctx context.Context, instanceID string) (*Instance, error)

	// FindByHeartbeatID returns the record for a heartbeat id.
	FindByHeartbeatID(ctx context.Context, heartbeatID string) (*Instance, error)

	// FindStale returns active records whose last heartbeat is before cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]*Instance, error)

	// FindExpired returns active records whose lease deadline is before now.
	FindExpired(ctx context.Context, now time.Time) ([]*Instance, error)

	// FindActive returns all active records, newest first.
	FindActive(ctx context.Context) ([]*Instance, error)

	// TouchHeartbeat advances the last heartbeat of an active record to at
	// (never backwards) and sets expiresAt when it is still unset and
	// backfill is non-nil. Reports whether an active record was updated.
	TouchHeartbeat(ctx context.Context, heartbeatID string, at time.Time, backfill *time.Time) (bool, error)

	// MarkInactive flips an active record to inactive. Reports whether the
	// record was active before the call.
	MarkInactive(ctx context.Context, instanceID string) (bool, error)
}

// Executor launches and terminates instances on a provider.
type Executor interface {
	// Provision launches one instance with the heartbeat agent embedded and
	// returns the provider-assigned instance id.
	Provision(ctx context.Context, req LaunchRequest, credential string, hb HeartbeatIdentity) (string, error)

	// Terminate destroys an instance. An instance the provider no longer
	// knows about is not an error.
	Terminate(ctx context.Context, provider ProviderName, instanceID, credential string) error
}

// Verifier checks a credential against a provider before anything is created.
type Verifier interface {
	// Verify reports whether the credential is valid for the request.
	// Every failure mode collapses into false.
	Verify(ctx context.Context, req LaunchRequest, credential string) bool
}

// Sealer encrypts credentials for storage and opens them for reclamation.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(sealed string) (string, error)
}

// PriceSource reports the current market price of an instance type.
type PriceSource interface {
	// TargetPrice returns the cheapest known hourly price, or 0 when unknown.
	TargetPrice(ctx context.Context, provider ProviderName, instanceType string) (float64, error)
}

// RateLimiter caps launches per origin.
type RateLimiter interface {
	// Allow records one launch attempt for origin and reports whether it is
	// within the cap.
	Allow(ctx context.Context, origin string) (bool, error)
}

// AdmissionPolicy evaluates declarative policies against a launch request.
type AdmissionPolicy interface {
	EvaluateLaunch(ctx context.Context, req LaunchRequest) (*PolicyDecision, error)
}

// PolicyDecision is the result of evaluating admission policies.
type PolicyDecision struct {
	// Allowed is false when any policy denied the request.
	Allowed bool `json:"allowed"`

	// Violations lists every deny produced.
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// PolicyViolation is a single deny produced by a policy.
type PolicyViolation struct {
	Policy  string `json:"policy"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
