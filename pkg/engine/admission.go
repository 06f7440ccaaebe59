package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/teraunit/teraunit/pkg/telemetry"
)

// Rejection messages shown to callers.
const (
	msgSovereignty     = "Data transfer between EU and Non-EU zones is prohibited."
	msgVelocityFuse    = "Launch limit for this origin exceeded. Try again later."
	msgEgress          = "This move loses money. Stay where you are."
	msgVerification    = "QUOTA_EXCEEDED_OR_AUTH_FAILURE"
	msgPolicyFailure   = "admission policies could not be evaluated"
	msgLaunchFailed    = "provider launch failed"
	msgRecordingFailed = "instance launched but could not be recorded; it was terminated again"
	msgUnrecorded      = "instance launched but could not be recorded and the compensating terminate failed; it may still be running"
)

// AdmissionDeps are the collaborators of the admission pipeline. Prices may be nil.
type AdmissionDeps struct {
	Policy   AdmissionPolicy
	Limiter  RateLimiter
	Verifier Verifier
	Prices   PriceSource
	Executor Executor
	Sealer   Sealer
	Ledger   Ledger
	Mint     IdentityMinter
}

// Admission gates every launch request and registers the launched instance.
type Admission struct {
	deps     AdmissionDeps
	fleet    *Fleet
	egress   EgressGuard
	validate *validator.Validate
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	now      Clock
}

// NewAdmission creates the pipeline. fleet supplies the lease policy.
func NewAdmission(deps AdmissionDeps, fleet *Fleet, tel *telemetry.Telemetry) (*Admission, error) {
	switch {
	case deps.Policy == nil:
		return nil, errors.New("admission requires a policy engine")
	case deps.Limiter == nil:
		return nil, errors.New("admission requires a rate limiter")
	case deps.Verifier == nil:
		return nil, errors.New("admission requires a verifier")
	case deps.Executor == nil:
		return nil, errors.New("admission requires an executor")
	case deps.Sealer == nil:
		return nil, errors.New("admission requires a sealer")
	case deps.Ledger == nil:
		return nil, errors.New("admission requires a ledger")
	case deps.Mint == nil:
		return nil, errors.New("admission requires an identity minter")
	case fleet == nil:
		return nil, errors.New("admission requires a fleet")
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	return &Admission{
		deps:     deps,
		fleet:    fleet,
		egress:   NewEgressGuard(),
		validate: validator.New(),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("admission"),
		now:      time.Now,
	}, nil
}

// Launch runs the admission guards and, when all pass, launches and records
// one instance.
func (a *Admission) Launch(ctx context.Context, req LaunchRequest) (result LaunchResult, err error) {
	req = normalizeRequest(req)

	ctx, span := a.tel.Tracer.StartAdmissionSpan(ctx, string(req.Provider))
	defer span.End()

	timer := telemetry.NewTimer()
	log := a.logger.WithProvider(string(req.Provider)).WithField("origin", req.Origin)

	defer func() {
		if err != nil {
			category, code := string(CategoryOf(err)), CodeOf(err)
			a.tel.Metrics.RecordAdmission(string(req.Provider), category, timer.Duration())
			_ = a.tel.Events.PublishAdmissionRejected(string(req.Provider), category, code)
			telemetry.RecordError(span, err)
			log.WithFields(map[string]interface{}{"category": category, "code": code}).
				WithError(err).Warn("launch rejected")
			return
		}
		a.tel.Metrics.RecordAdmission(string(req.Provider), "admitted", timer.Duration())
		_ = a.tel.Events.PublishInstanceLaunched(string(req.Provider), result.InstanceID, result.HeartbeatID)
		telemetry.RecordSuccess(span)
	}()

	if err := a.validate.Struct(req); err != nil {
		return LaunchResult{}, NewInvalidRequest(describeValidation(err), err)
	}

	if err := a.checkPolicies(ctx, req); err != nil {
		return LaunchResult{}, err
	}

	allowed, err := a.deps.Limiter.Allow(ctx, req.Origin)
	if err != nil {
		return LaunchResult{}, NewInternalError("velocity fuse unavailable", err)
	}
	if !allowed {
		return LaunchResult{}, NewPolicyRejection(ErrCodeVelocityFuse, msgVelocityFuse)
	}

	if !a.deps.Verifier.Verify(ctx, req, req.APIKey) {
		return LaunchResult{}, NewAuthFailure(msgVerification, nil)
	}

	if err := a.checkEgress(ctx, req, log); err != nil {
		return LaunchResult{}, err
	}

	// Past admission the provider may create billable state, so a caller
	// hanging up must not strand it. Provider calls are bounded by the
	// client timeout instead.
	return a.provision(context.WithoutCancel(ctx), req, log)
}

// checkPolicies evaluates the admission policies. Evaluation errors deny.
func (a *Admission) checkPolicies(ctx context.Context, req LaunchRequest) error {
	decision, err := a.deps.Policy.EvaluateLaunch(ctx, req)
	if err != nil {
		return &FleetError{Category: CategoryPolicy, Code: ErrCodePolicyViolation, Message: msgPolicyFailure, Err: err}
	}
	if decision.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(decision.Violations))
	for _, v := range decision.Violations {
		if v.Code == ErrCodeSovereignty {
			return NewPolicyRejection(ErrCodeSovereignty, msgSovereignty)
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "denied by policy")
	}
	return NewPolicyRejection(ErrCodePolicyViolation, strings.Join(msgs, "; "))
}

// checkEgress applies the egress guard when the current cost, the dataset
// size and the market price of the target are all known.
func (a *Admission) checkEgress(ctx context.Context, req LaunchRequest, log *telemetry.Logger) error {
	if req.CurrentHourlyCost <= 0 || req.DatasetSizeGB <= 0 || a.deps.Prices == nil {
		return nil
	}

	target, err := a.deps.Prices.TargetPrice(ctx, req.Provider, req.InstanceType)
	if err != nil {
		log.WithError(err).Warn("target price lookup failed, skipping egress check")
		return nil
	}
	if target <= 0 {
		return nil
	}

	if !a.egress.IsSafeToMove(target, req.CurrentHourlyCost, req.DatasetSizeGB) {
		return NewPolicyRejection(ErrCodeEgressBlock, msgEgress)
	}
	return nil
}

// provision launches the instance, seals the credential and records it.
// A launched instance that cannot be recorded is terminated again. ctx must
// not be cancelled by the caller going away.
func (a *Admission) provision(ctx context.Context, req LaunchRequest, log *telemetry.Logger) (LaunchResult, error) {
	hb, err := a.deps.Mint()
	if err != nil {
		return LaunchResult{}, NewInternalError("failed to mint heartbeat identity", err)
	}

	instanceID, err := a.deps.Executor.Provision(ctx, req, req.APIKey, hb)
	if err != nil {
		return LaunchResult{}, NewProviderFailure(msgLaunchFailed, err).WithOperation("launch")
	}

	log = log.WithInstance(string(req.Provider), instanceID).WithHeartbeatID(hb.ID)

	start := a.now().UTC()
	inst := &Instance{
		InstanceID:         instanceID,
		HeartbeatID:        hb.ID,
		HeartbeatTokenHash: hb.TokenHash,
		Provider:           req.Provider,
		StartTime:          start,
		LastHeartbeat:      start,
		ExpiresAt:          a.fleet.LeaseDeadline(start),
		Active:             true,
	}

	sealed, err := a.deps.Sealer.Encrypt(req.APIKey)
	if err == nil {
		inst.SealedCredential = sealed
		err = a.deps.Ledger.Insert(ctx, inst)
	}
	if err != nil {
		log.WithError(err).Error("failed to record launched instance, terminating it")
		msg := msgRecordingFailed
		if termErr := a.deps.Executor.Terminate(ctx, req.Provider, instanceID, req.APIKey); termErr != nil {
			log.WithError(termErr).Error("compensating terminate failed, instance is unrecorded")
			msg = msgUnrecorded
			err = errors.Join(err, termErr)
		}
		return LaunchResult{}, &FleetError{
			Category: CategoryInternal,
			Code:     ErrCodeExecutionFailed,
			Message:  msg,
			Resource: instanceID,
			Err:      err,
		}
	}

	log.Info("instance admitted")
	return LaunchResult{
		Provider:    req.Provider,
		InstanceID:  instanceID,
		HeartbeatID: hb.ID,
		ExpiresAt:   inst.ExpiresAt,
	}, nil
}

// normalizeRequest canonicalises the fields the guards compare.
func normalizeRequest(req LaunchRequest) LaunchRequest {
	req.Provider = ProviderName(strings.ToUpper(strings.TrimSpace(string(req.Provider))))
	req.InstanceType = strings.TrimSpace(req.InstanceType)
	req.Region = strings.TrimSpace(req.Region)
	req.SourceRegion = strings.TrimSpace(req.SourceRegion)
	req.SSHKeyName = strings.TrimSpace(req.SSHKeyName)
	req.APIKey = strings.TrimSpace(req.APIKey)
	return req
}

// describeValidation lists the offending fields without echoing values.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid launch request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return "invalid launch request: " + strings.Join(fields, ", ")
}
