package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teraunit/teraunit/pkg/telemetry"
)

// errNoLongerActive is returned by reclaim when the record went inactive
// while the caller waited for its lock.
var errNoLongerActive = errors.New("instance no longer active")

// FleetConfig configures lease handling.
type FleetConfig struct {
	// MaxRuntime caps every instance's lifetime. Zero disables leases.
	MaxRuntime time.Duration
}

// Fleet owns the post-launch lifecycle of ledger records: heartbeats,
// manual termination and the reclamation path the Reaper uses.
type Fleet struct {
	ledger   Ledger
	executor Executor
	sealer   Sealer
	cfg      FleetConfig
	locks    *keyedMutex
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	now      Clock
}

// NewFleet creates a fleet over the ledger.
func NewFleet(ledger Ledger, executor Executor, sealer Sealer, cfg FleetConfig, tel *telemetry.Telemetry) *Fleet {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &Fleet{
		ledger:   ledger,
		executor: executor,
		sealer:   sealer,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("fleet"),
		now:      time.Now,
	}
}

// LeaseDeadline returns start + MaxRuntime, or nil when leases are disabled.
func (f *Fleet) LeaseDeadline(start time.Time) *time.Time {
	if f.cfg.MaxRuntime <= 0 {
		return nil
	}
	deadline := start.Add(f.cfg.MaxRuntime).UTC()
	return &deadline
}

// RegisterHeartbeat records a liveness ping. Unknown, blank and inactive
// heartbeat ids are ignored. A record without a lease deadline gets one on
// first contact when leases are enabled.
func (f *Fleet) RegisterHeartbeat(ctx context.Context, heartbeatID string) error {
	heartbeatID = strings.TrimSpace(heartbeatID)
	if heartbeatID == "" {
		return nil
	}

	inst, err := f.ledger.FindByHeartbeatID(ctx, heartbeatID)
	if errors.Is(err, ErrInstanceNotFound) {
		f.tel.Metrics.RecordHeartbeat("unknown")
		return nil
	}
	if err != nil {
		return NewInternalError("heartbeat lookup failed", err).WithResource(heartbeatID)
	}
	if !inst.Active {
		f.tel.Metrics.RecordHeartbeat("inactive")
		return nil
	}

	var backfill *time.Time
	if inst.ExpiresAt == nil {
		backfill = f.LeaseDeadline(inst.StartTime)
	}

	updated, err := f.ledger.TouchHeartbeat(ctx, heartbeatID, f.now().UTC(), backfill)
	if err != nil {
		return NewInternalError("heartbeat update failed", err).WithResource(heartbeatID)
	}
	if !updated {
		f.tel.Metrics.RecordHeartbeat("inactive")
		return nil
	}

	f.tel.Metrics.RecordHeartbeat("accepted")
	f.logger.WithInstance(string(inst.Provider), inst.InstanceID).WithHeartbeatID(heartbeatID).Debug("heartbeat received")
	return nil
}

// Terminate reclaims an instance on operator request. The heartbeat id is
// tried first, then the instance id. The returned record is nil when
// nothing matched.
func (f *Fleet) Terminate(ctx context.Context, heartbeatID, instanceID string) (TerminateOutcome, *Instance, error) {
	heartbeatID = strings.TrimSpace(heartbeatID)
	instanceID = strings.TrimSpace(instanceID)
	if heartbeatID == "" && instanceID == "" {
		return "", nil, NewInvalidRequest("heartbeatId or instanceId is required", nil)
	}

	inst, err := f.lookup(ctx, heartbeatID, instanceID)
	if err != nil {
		return "", nil, err
	}
	if inst == nil {
		return TerminateNotFound, nil, nil
	}
	if !inst.Active {
		return TerminateAlreadyInactive, inst, nil
	}

	err = f.reclaim(ctx, inst, ReclaimManual)
	if errors.Is(err, errNoLongerActive) {
		return TerminateAlreadyInactive, inst, nil
	}
	if err != nil {
		return "", inst, err
	}
	return TerminateTerminated, inst, nil
}

func (f *Fleet) lookup(ctx context.Context, heartbeatID, instanceID string) (*Instance, error) {
	if heartbeatID != "" {
		inst, err := f.ledger.FindByHeartbeatID(ctx, heartbeatID)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrInstanceNotFound) {
			return nil, NewInternalError("ledger lookup failed", err).WithResource(heartbeatID)
		}
	}
	if instanceID != "" {
		inst, err := f.ledger.FindByInstanceID(ctx, instanceID)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrInstanceNotFound) {
			return nil, NewInternalError("ledger lookup failed", err).WithResource(instanceID)
		}
	}
	return nil, nil
}

// ListActive returns the operator view of every active record, newest first.
func (f *Fleet) ListActive(ctx context.Context) ([]InstanceSummary, error) {
	records, err := f.ledger.FindActive(ctx)
	if err != nil {
		return nil, NewInternalError("failed to list active instances", err)
	}

	summaries := make([]InstanceSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, r.Summary())
	}
	f.tel.Metrics.SetActiveInstances(len(summaries))
	return summaries, nil
}

// reclaim terminates one instance and marks it inactive. The record is
// re-read under its lock so concurrent reclaimers never both terminate it.
// A record only goes inactive after the provider accepted the terminate.
func (f *Fleet) reclaim(ctx context.Context, inst *Instance, reason ReclaimReason) (err error) {
	unlock := f.locks.Lock(inst.InstanceID)
	defer unlock()

	ctx, span := f.tel.Tracer.StartReclaimSpan(ctx, string(inst.Provider), inst.InstanceID, string(reason))
	defer span.End()

	log := f.logger.WithInstance(string(inst.Provider), inst.InstanceID).WithField("reason", string(reason))
	defer func() {
		switch {
		case err == nil:
			f.tel.Metrics.RecordReclaim(string(reason), "success")
			_ = f.tel.Events.PublishInstanceReclaimed(string(inst.Provider), inst.InstanceID, string(reason))
			telemetry.RecordSuccess(span)
		case errors.Is(err, errNoLongerActive):
			f.tel.Metrics.RecordReclaim(string(reason), "skipped")
		default:
			failure := string(CategoryOf(err))
			f.tel.Metrics.RecordReclaim(string(reason), "failure")
			_ = f.tel.Events.PublishReclaimFailed(string(inst.Provider), inst.InstanceID, string(reason), failure)
			telemetry.RecordError(span, err)
			log.WithField("failure", failure).WithError(err).Error("reclaim failed")
		}
	}()

	current, err := f.ledger.FindByInstanceID(ctx, inst.InstanceID)
	if err != nil {
		return NewInternalError("ledger lookup failed", err).WithResource(inst.InstanceID)
	}
	if !current.Active {
		return errNoLongerActive
	}

	credential, err := f.sealer.Decrypt(current.SealedCredential)
	if err != nil {
		return NewIntegrityFailure("sealed credential could not be opened", err).WithResource(current.InstanceID)
	}

	if err := f.executor.Terminate(ctx, current.Provider, current.InstanceID, credential); err != nil {
		return NewProviderFailure("terminate failed", err).
			WithResource(current.InstanceID).
			WithOperation("terminate")
	}

	wasActive, err := f.ledger.MarkInactive(ctx, current.InstanceID)
	if err != nil {
		return NewInternalError(fmt.Sprintf("instance terminated but ledger update failed (%s)", reason), err).
			WithResource(current.InstanceID)
	}
	if !wasActive {
		return errNoLongerActive
	}

	log.Info("instance reclaimed")
	return nil
}
