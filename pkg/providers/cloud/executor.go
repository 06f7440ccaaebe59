package cloud

import (
	"context"
	"errors"

	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/telemetry"
)

// Executor launches and terminates instances through the registered providers.
// It also acts as the launch-time credential verifier.
type Executor struct {
	registry    *Registry
	callbackURL string
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
}

var (
	_ engine.Executor = (*Executor)(nil)
	_ engine.Verifier = (*Executor)(nil)
)

// NewExecutor creates an executor. callbackURL is baked into every agent script.
func NewExecutor(registry *Registry, callbackURL string, tel *telemetry.Telemetry) *Executor {
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	return &Executor{
		registry:    registry,
		callbackURL: callbackURL,
		tel:         tel,
		logger:      tel.Logger.NewComponentLogger("cloud-executor"),
	}
}

// Provision implements engine.Executor.
func (e *Executor) Provision(ctx context.Context, req engine.LaunchRequest, credential string, hb engine.HeartbeatIdentity) (string, error) {
	p, err := e.registry.Get(req.Provider)
	if err != nil {
		return "", err
	}

	key := auth.SanitizeAPIKey(credential)
	script := HeartbeatScript(hb.ID, hb.Token, e.callbackURL)

	var instanceID string
	err = e.tel.RecordProviderOperation(ctx, string(req.Provider), "launch", func(ctx context.Context) error {
		id, err := p.Launch(ctx, req, key, script)
		instanceID = id
		return err
	})
	if err != nil {
		e.logger.WithProvider(string(req.Provider)).WithError(err).
			WithField("key", telemetry.MaskSecret(key)).
			Error("launch failed")
		return "", err
	}

	e.logger.WithInstance(string(req.Provider), instanceID).WithHeartbeatID(hb.ID).Info("instance launched")
	return instanceID, nil
}

// Terminate implements engine.Executor.
func (e *Executor) Terminate(ctx context.Context, provider engine.ProviderName, instanceID, credential string) error {
	p, err := e.registry.Get(provider)
	if err != nil {
		return err
	}

	key := auth.SanitizeAPIKey(credential)
	err = e.tel.RecordProviderOperation(ctx, string(provider), "terminate", func(ctx context.Context) error {
		return p.Terminate(ctx, instanceID, key)
	})
	if err != nil {
		e.logger.WithInstance(string(provider), instanceID).WithError(err).Warn("terminate failed")
		return err
	}

	e.logger.WithInstance(string(provider), instanceID).Info("instance terminated")
	return nil
}

// Verify implements engine.Verifier. Every failure collapses into false and
// is logged with the credential masked.
func (e *Executor) Verify(ctx context.Context, req engine.LaunchRequest, credential string) bool {
	key := auth.SanitizeAPIKey(credential)
	log := e.logger.WithProvider(string(req.Provider)).WithFields(map[string]interface{}{
		"key":     telemetry.MaskSecret(key),
		"key_len": len(key),
	})

	p, err := e.registry.Get(req.Provider)
	if err != nil {
		log.WithError(err).Warn("verification failed")
		return false
	}

	err = e.tel.RecordProviderOperation(ctx, string(req.Provider), "verify", func(ctx context.Context) error {
		return p.Verify(ctx, req, key)
	})
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			log = log.WithField("status", pe.StatusCode)
		}
		log.WithError(err).Warn("verification failed")
		return false
	}

	log.Debug("credential verified")
	return true
}
