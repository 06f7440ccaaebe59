package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/pricing"
)

// healthTimeout bounds the ledger ping behind /healthz.
const healthTimeout = 2 * time.Second

type terminateRequest struct {
	HeartbeatID string `json:"heartbeatId"`
	InstanceID  string `json:"instanceId"`
}

type heartbeatRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handleLaunch admits one launch. Every outcome is a 200 with a status line.
func (s *Server) handleLaunch(c *gin.Context) {
	var req engine.LaunchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusOK, statusError+"MALFORMED LAUNCH REQUEST")
		return
	}
	req.APIKey = auth.SanitizeAPIKey(req.APIKey)
	req.Origin = s.deps.ClientIP.Resolve(c.Request)

	result, err := s.deps.Launcher.Launch(c.Request.Context(), req)
	if err != nil {
		if engine.IsProviderFailure(err) || engine.CategoryOf(err) == engine.CategoryInternal {
			s.logger.WithProvider(string(req.Provider)).WithError(err).Error("launch failed")
		}
		c.String(http.StatusOK, launchOutcome(err))
		return
	}

	c.String(http.StatusOK, statusSuccess+result.CompositeID())
}

// handleTerminate reclaims one instance by heartbeat id or instance id.
func (s *Server) handleTerminate(c *gin.Context) {
	var req terminateRequest
	// A missing or malformed body is answered like an empty one.
	_ = c.ShouldBindJSON(&req)

	outcome, inst, err := s.deps.Fleet.Terminate(c.Request.Context(), req.HeartbeatID, req.InstanceID)
	switch {
	case engine.CodeOf(err) == engine.ErrCodeInvalidRequest:
		c.String(http.StatusOK, terminateIDsRequired)
	case err != nil:
		s.logger.WithError(err).Error("manual terminate failed")
		c.String(http.StatusOK, terminationFailed)
	case outcome == engine.TerminateTerminated:
		c.String(http.StatusOK, statusTerminated+engine.CompositeID(inst.Provider, inst.InstanceID))
	default:
		c.String(http.StatusOK, string(outcome))
	}
}

// handleListInstances returns the active records, newest first.
func (s *Server) handleListInstances(c *gin.Context) {
	summaries, err := s.deps.Fleet.ListActive(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Error("listing instances failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// handleHeartbeat records an agent ping. Successful pings have no body.
func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ID) == "" {
		c.Status(http.StatusOK)
		return
	}

	if _, err := s.deps.Heartbeat.Authorize(c.Request.Context(), c.Request, req.ID); err != nil {
		if isHeartbeatDenial(err) {
			s.tel.Metrics.RecordAuthFailure("heartbeat")
			s.logger.WithHeartbeatID(safeLogValue(req.ID)).WithField("reason", err.Error()).Warn("heartbeat rejected")
			c.Status(http.StatusUnauthorized)
			return
		}
		s.logger.WithError(err).Error("heartbeat lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}

	if err := s.deps.Fleet.RegisterHeartbeat(c.Request.Context(), req.ID); err != nil {
		s.logger.WithError(err).Error("heartbeat update failed")
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

func isHeartbeatDenial(err error) bool {
	return errors.Is(err, auth.ErrHeartbeatIDRequired) ||
		errors.Is(err, auth.ErrHeartbeatUnknown) ||
		errors.Is(err, auth.ErrHeartbeatInactive) ||
		errors.Is(err, auth.ErrHeartbeatTokenInvalid)
}

// handlePricing returns the offer index keyed by lowercase provider name.
func (s *Server) handlePricing(c *gin.Context) {
	index := map[string][]pricing.Offer{}
	if s.deps.Prices != nil {
		index = s.deps.Prices.Index(c.Request.Context())
	}
	if index == nil {
		index = map[string][]pricing.Offer{}
	}
	for _, p := range engine.Providers {
		key := strings.ToLower(string(p))
		if index[key] == nil {
			index[key] = []pricing.Offer{}
		}
	}
	c.JSON(http.StatusOK, index)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		s.logger.WithError(err).Warn("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
