// Package api exposes the fleet over HTTP: launch, terminate and list for
// operators, heartbeats for agents, the price index, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/teraunit/teraunit/pkg/auth"
	"github.com/teraunit/teraunit/pkg/engine"
	"github.com/teraunit/teraunit/pkg/pricing"
	"github.com/teraunit/teraunit/pkg/telemetry"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// Config configures the HTTP server.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default server settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   15 * time.Second,
	}
}

// Launcher admits launch requests.
type Launcher interface {
	Launch(ctx context.Context, req engine.LaunchRequest) (engine.LaunchResult, error)
}

// FleetService manages launched instances.
type FleetService interface {
	RegisterHeartbeat(ctx context.Context, heartbeatID string) error
	Terminate(ctx context.Context, heartbeatID, instanceID string) (engine.TerminateOutcome, *engine.Instance, error)
	ListActive(ctx context.Context) ([]engine.InstanceSummary, error)
}

// PriceIndex serves the current offers per provider.
type PriceIndex interface {
	Index(ctx context.Context) map[string][]pricing.Offer
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Prices and Health may be nil.
type Deps struct {
	Launcher  Launcher
	Fleet     FleetService
	Control   *auth.ControlAuth
	Heartbeat *auth.HeartbeatAuth
	ClientIP  *auth.ClientIPResolver
	Prices    PriceIndex
	Health    HealthChecker
}

// Server is the HTTP boundary of the control plane.
type Server struct {
	cfg    Config
	deps   Deps
	router *gin.Engine
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewServer builds the router.
func NewServer(cfg Config, deps Deps, tel *telemetry.Telemetry) (*Server, error) {
	switch {
	case deps.Launcher == nil:
		return nil, errors.New("api requires a launcher")
	case deps.Fleet == nil:
		return nil, errors.New("api requires a fleet")
	case deps.Control == nil:
		return nil, errors.New("api requires a control token guard")
	case deps.Heartbeat == nil:
		return nil, errors.New("api requires a heartbeat guard")
	}
	if deps.ClientIP == nil {
		deps.ClientIP = auth.NewClientIPResolver(false)
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("api"),
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())

	serviceName := "teraunit"
	if s.tel.Config != nil && s.tel.Config.ServiceName != "" {
		serviceName = s.tel.Config.ServiceName
	}
	router.Use(otelgin.Middleware(serviceName))
	router.Use(s.requestLogger(), limitBody(MaxBodyBytes))

	router.NoMethod(s.methodNotAllowed)
	s.setupRoutes(router)
	return router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
