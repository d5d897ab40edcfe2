package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/bridge"
	"github.com/fyrsmithlabs/auditd/internal/governance"
	"github.com/fyrsmithlabs/auditd/internal/operation"
	"github.com/fyrsmithlabs/auditd/internal/orchestrator"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleReadyz(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Bridges: s.registry.Len(),
		Events:  s.events.Connected(),
	})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, errors.New("invalid request body"))
	}

	run, err := s.runs.Start(c.Request().Context(), orchestrator.StartRequest{
		TargetPath:         req.TargetPath,
		MaxIterations:      req.MaxIterations,
		Platforms:          req.Platforms,
		CoverageThreshold:  req.CoverageThreshold,
		EnableRL:           req.EnableRL,
		GovernanceRequired: req.GovernanceRequired,
		DryRun:             req.DryRun,
	})
	if err != nil {
		return s.respondRunError(c, err)
	}
	return respond(c, http.StatusCreated, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	return respond(c, http.StatusOK, s.runs.List())
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runs.Get(c.Param("id"))
	if err != nil {
		return s.respondRunError(c, err)
	}
	return respond(c, http.StatusOK, run)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	run, err := s.runs.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondRunError(c, err)
	}
	return respond(c, http.StatusOK, run)
}

// handleDecideForRun resolves the run's currently pending request, saving
// the caller a request-id lookup.
func (s *Server) handleDecideForRun(c echo.Context) error {
	runID := c.Param("id")
	if _, err := s.runs.Get(runID); err != nil {
		return s.respondRunError(c, err)
	}

	pending, found := s.gov.PendingForRun(runID)
	if !found {
		return respondError(c, http.StatusNotFound,
			errors.New("run has no pending governance request"))
	}
	return s.decide(c, pending.ID)
}

func (s *Server) handleDecide(c echo.Context) error {
	return s.decide(c, c.Param("id"))
}

func (s *Server) decide(c echo.Context, requestID string) error {
	var req DecideRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, errors.New("invalid request body"))
	}

	decided, err := s.gov.Decide(c.Request().Context(), requestID, req.Approve, req.Comment)
	switch {
	case errors.Is(err, governance.ErrNotFound):
		return respondError(c, http.StatusNotFound, err)
	case errors.Is(err, governance.ErrAlreadyDecided):
		return respondError(c, http.StatusConflict, err)
	case err != nil:
		return respondError(c, http.StatusInternalServerError, err)
	}
	return respond(c, http.StatusOK, decided)
}

func (s *Server) handleListGovernance(c echo.Context) error {
	return respond(c, http.StatusOK, s.gov.List())
}

func (s *Server) handleGetGovernance(c echo.Context) error {
	req, err := s.gov.Get(c.Param("id"))
	if err != nil {
		return respondError(c, http.StatusNotFound, err)
	}
	return respond(c, http.StatusOK, req)
}

func (s *Server) handleListBridges(c echo.Context) error {
	endpoints := s.registry.List()
	infos := make([]BridgeInfo, 0, len(endpoints))
	for _, ep := range endpoints {
		infos = append(infos, BridgeInfo{
			Name:        ep.Name,
			BaseAddress: ep.BaseAddress,
			AuthMode:    ep.AuthMode,
			Timeout:     ep.Timeout.Duration().String(),
			MaxRetries:  ep.Retry.MaxRetries,
		})
	}
	return respond(c, http.StatusOK, infos)
}

func (s *Server) handleListTools(c echo.Context) error {
	tools, err := s.client.ListTools(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.respondBridgeError(c, err)
	}
	return respond(c, http.StatusOK, tools)
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	if req.Tool == "" {
		return respondError(c, http.StatusBadRequest, errors.New("tool is required"))
	}

	name := c.Param("name")
	if _, err := s.registry.Get(name); err != nil {
		return s.respondBridgeError(c, err)
	}

	if req.Async {
		op := s.tracker.StartAsync(c.Request().Context(), name, req.Tool, req.Parameters)
		return respond(c, http.StatusAccepted, op)
	}

	result, err := s.client.Execute(c.Request().Context(), name, req.Tool, req.Parameters)
	if err != nil {
		s.logger.Warn("bridge execution failed",
			zap.String("bridge", name),
			zap.String("tool", req.Tool),
			zap.Error(err))
		return s.respondBridgeError(c, err)
	}
	return respond(c, http.StatusOK, result)
}

func (s *Server) handleListOperations(c echo.Context) error {
	return respond(c, http.StatusOK, s.tracker.List())
}

func (s *Server) handleGetOperation(c echo.Context) error {
	op, err := s.tracker.GetStatus(c.Param("id"))
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			return respondError(c, http.StatusNotFound, err)
		}
		return respondError(c, http.StatusInternalServerError, err)
	}
	return respond(c, http.StatusOK, op)
}

// respondRunError maps orchestrator errors to status codes.
func (s *Server) respondRunError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return respondError(c, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrInvalidConfiguration):
		return respondError(c, http.StatusBadRequest, err)
	case errors.Is(err, orchestrator.ErrTerminal):
		return respondError(c, http.StatusConflict, err)
	default:
		return respondError(c, http.StatusInternalServerError, err)
	}
}

// respondBridgeError maps bridge errors: unknown endpoints are the caller's
// mistake, everything else is an upstream failure.
func (s *Server) respondBridgeError(c echo.Context, err error) error {
	if errors.Is(err, bridge.ErrUnknownBridge) {
		return respondError(c, http.StatusNotFound, err)
	}
	return respondError(c, http.StatusBadGateway, err)
}
