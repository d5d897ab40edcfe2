// Package server exposes the auditd HTTP API.
//
// Every endpoint answers with the Envelope shape {success, data?, error?,
// timestamp}. Domain errors map onto status codes: unknown ids are 404,
// already-decided governance requests are 409, invalid run configuration
// is 400.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/bridge"
	"github.com/fyrsmithlabs/auditd/internal/config"
	"github.com/fyrsmithlabs/auditd/internal/events"
	"github.com/fyrsmithlabs/auditd/internal/governance"
	"github.com/fyrsmithlabs/auditd/internal/operation"
	"github.com/fyrsmithlabs/auditd/internal/orchestrator"
)

// Server hosts the audit, governance, bridge, and operation endpoints.
type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	logger *zap.Logger

	runs     *orchestrator.Service
	gov      *governance.Service
	client   bridge.Client
	registry *bridge.Registry
	tracker  *operation.Tracker
	events   *events.Publisher
}

// NewServer wires the API over the daemon's services.
func NewServer(
	cfg config.ServerConfig,
	runs *orchestrator.Service,
	gov *governance.Service,
	client bridge.Client,
	registry *bridge.Registry,
	tracker *operation.Tracker,
	publisher *events.Publisher,
	logger *zap.Logger,
) (*Server, error) {
	if runs == nil {
		return nil, errors.New("orchestrator service is required")
	}
	if gov == nil {
		return nil, errors.New("governance service is required")
	}
	if tracker == nil {
		return nil, errors.New("operation tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(NewHTTPMetrics(logger).Middleware())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		logger:   logger,
		runs:     runs,
		gov:      gov,
		client:   client,
		registry: registry,
		tracker:  tracker,
		events:   publisher,
	}
	s.registerRoutes()

	return s, nil
}

// requestLogger logs one line per request with the request id attached.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/readyz", s.handleReadyz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/audits", s.handleStartRun)
	s.echo.GET("/audits", s.handleListRuns)
	s.echo.GET("/audits/:id", s.handleGetRun)
	s.echo.POST("/audits/:id/cancel", s.handleCancelRun)
	s.echo.POST("/audits/:id/governance", s.handleDecideForRun)

	s.echo.GET("/governance", s.handleListGovernance)
	s.echo.GET("/governance/:id", s.handleGetGovernance)
	s.echo.POST("/governance/:id", s.handleDecide)

	s.echo.GET("/bridges", s.handleListBridges)
	s.echo.GET("/bridges/:name/tools", s.handleListTools)
	s.echo.POST("/bridges/:name/execute", s.handleExecute)

	s.echo.GET("/operations", s.handleListOperations)
	s.echo.GET("/operations/:id", s.handleGetOperation)
}

// Start runs the listener until Shutdown. Blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
