package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/teraunit/teraunit/pkg/engine"
)

var (
	ErrHeartbeatIDRequired   = errors.New("HEARTBEAT_ID_REQUIRED")
	ErrHeartbeatUnknown      = errors.New("HEARTBEAT_UNKNOWN")
	ErrHeartbeatInactive     = errors.New("HEARTBEAT_INACTIVE")
	ErrHeartbeatTokenInvalid = errors.New("HEARTBEAT_TOKEN_INVALID")
)

// HeartbeatLookup finds the ledger record behind a heartbeat id.
type HeartbeatLookup interface {
	FindByHeartbeatID(ctx context.Context, heartbeatID string) (*engine.Instance, error)
}

// HeartbeatAuth authenticates agent heartbeats against the stored token hash.
type HeartbeatAuth struct {
	lookup               HeartbeatLookup
	allowUnauthenticated bool
}

// NewHeartbeatAuth creates the guard. allowUnauthenticated only applies to
// records created without a token hash.
func NewHeartbeatAuth(lookup HeartbeatLookup, allowUnauthenticated bool) *HeartbeatAuth {
	return &HeartbeatAuth{lookup: lookup, allowUnauthenticated: allowUnauthenticated}
}

// Authorize checks the token presented on r for heartbeatID and returns the record.
func (h *HeartbeatAuth) Authorize(ctx context.Context, r *http.Request, heartbeatID string) (*engine.Instance, error) {
	heartbeatID = strings.TrimSpace(heartbeatID)
	if heartbeatID == "" {
		return nil, ErrHeartbeatIDRequired
	}

	inst, err := h.lookup.FindByHeartbeatID(ctx, heartbeatID)
	if errors.Is(err, engine.ErrInstanceNotFound) {
		return nil, ErrHeartbeatUnknown
	}
	if err != nil {
		return nil, err
	}
	if !inst.Active {
		return nil, ErrHeartbeatInactive
	}

	if inst.HeartbeatTokenHash == "" {
		if h.allowUnauthenticated {
			return inst, nil
		}
		return nil, ErrHeartbeatTokenInvalid
	}

	provided := strings.TrimSpace(r.Header.Get(HeaderHeartbeatToken))
	if provided == "" {
		provided = bearerToken(r.Header.Get(HeaderAuthorization))
	}
	if provided == "" || !TokensEqual(HashToken(provided), strings.ToLower(inst.HeartbeatTokenHash)) {
		return nil, ErrHeartbeatTokenInvalid
	}
	return inst, nil
}
