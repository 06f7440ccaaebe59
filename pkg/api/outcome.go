package api

import (
	"errors"

	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/providers/cloud"
)

// Caller-facing status lines.
const (
	statusSuccess        = "SUCCESS: "
	statusBlocked        = "BLOCKED: "
	statusFailed         = "FAILED: "
	statusError          = "ERROR: "
	statusTerminated     = "TERMINATED: "
	providerRejected     = "ERROR: PROVIDER REJECTED REQUEST (See Console)"
	internalFailure      = "ERROR: INTERNAL FAILURE (See Console)"
	terminationFailed    = "ERROR: TERMINATION FAILED (See Console)"
	terminateIDsRequired = "ERROR: heartbeatId OR instanceId REQUIRED"
)

// launchOutcome renders an admission error as the single status line shown
// to the caller. Provider detail stays in the server log.
func launchOutcome(err error) string {
	var fe *engine.FleetError
	if !errors.As(err, &fe) {
		return internalFailure
	}

	switch fe.Category {
	case engine.CategoryPolicy:
		if fe.Code == engine.ErrCodeInvalidRequest {
			return statusError + fe.Message
		}
		return statusBlocked + fe.Code + ": " + fe.Message
	case engine.CategoryAuth:
		return statusFailed + fe.Message
	case engine.CategoryProvider:
		class := cloud.Classify(fe.Err)
		if class == cloud.FailureUnknown {
			return providerRejected
		}
		return statusFailed + class.Describe()
	default:
		return internalFailure
	}
}
