package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/config"
	"github.com/fyrsmithlabs/auditd/internal/events"
	"github.com/fyrsmithlabs/auditd/internal/governance"
)

const instrumentationName = "github.com/fyrsmithlabs/auditd/internal/orchestrator"

// StartRequest is a run submission. Zero-valued optional fields fall back
// to the daemon's configured defaults.
type StartRequest struct {
	TargetPath         string
	MaxIterations      int
	Platforms          []string
	CoverageThreshold  *float64
	EnableRL           bool
	GovernanceRequired bool
	DryRun             bool
}

// Service owns all audit runs: one control loop per run, suspension at
// governance checkpoints, cooperative cancellation at phase boundaries.
type Service struct {
	cfg      config.OrchestratorConfig
	store    *Store
	runner   PhaseRunner
	gov      *governance.Service
	events   *events.Publisher
	logger   *zap.Logger
	detector Detector

	tracer        trace.Tracer
	meter         metric.Meter
	runsCounter   metric.Int64Counter
	phaseCounter  metric.Int64Counter
	phaseDuration metric.Float64Histogram

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewService creates the orchestrator and registers its continuation as
// the governance decision handler.
func NewService(cfg config.OrchestratorConfig, store *Store, runner PhaseRunner, gov *governance.Service, publisher *events.Publisher, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("run store is required")
	}
	if runner == nil {
		return nil, errors.New("phase runner is required")
	}
	if gov == nil {
		return nil, errors.New("governance service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	s := &Service{
		cfg:        cfg,
		store:      store,
		runner:     runner,
		gov:        gov,
		events:     publisher,
		logger:     logger,
		detector:   NewDetector(cfg.ConvergenceWindow, cfg.DeltaThreshold, cfg.ConvergenceTolerance),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
	}

	s.initMetrics()
	gov.SetDecisionHandler(s.handleDecision)

	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.runsCounter, err = s.meter.Int64Counter(
		"auditd.runs_total",
		metric.WithDescription("Terminal audit runs by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create runs counter", zap.Error(err))
	}

	s.phaseCounter, err = s.meter.Int64Counter(
		"auditd.phases_total",
		metric.WithDescription("Executed phase-iterations by phase and outcome"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		s.logger.Warn("failed to create phase counter", zap.Error(err))
	}

	s.phaseDuration, err = s.meter.Float64Histogram(
		"auditd.phase.duration",
		metric.WithDescription("Phase execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create phase duration histogram", zap.Error(err))
	}
}

// Start validates the submission, creates the run and spawns its control
// loop. Invalid parameters are rejected before the run ever exists.
func (s *Service) Start(ctx context.Context, req StartRequest) (AuditRun, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.start")
	defer span.End()

	runCfg, err := s.resolveConfig(req)
	if err != nil {
		span.RecordError(err)
		return AuditRun{}, err
	}

	now := time.Now()
	run := AuditRun{
		ID:         uuid.New().String(),
		TargetPath: req.TargetPath,
		Config:     runCfg,
		Phase:      PhaseInitialization,
		Iteration:  1,
		Status:     RunPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.store.Put(run)
	s.events.Run(run.ID, "created", run)
	span.SetAttributes(attribute.String("audit.run_id", run.ID))

	run, err = s.store.Update(run.ID, func(r *AuditRun) {
		r.Status = RunRunning
		r.UpdatedAt = time.Now()
	})
	if err != nil {
		return AuditRun{}, err
	}

	s.logger.Info("audit run started",
		zap.String("run_id", run.ID),
		zap.String("target_path", run.TargetPath),
		zap.Int("max_iterations", runCfg.MaxIterations),
		zap.Bool("enable_rl", runCfg.EnableRL),
		zap.Bool("governance_required", runCfg.GovernanceRequired),
		zap.Bool("dry_run", runCfg.DryRun))

	s.wg.Add(1)
	go s.runLoop(run.ID)

	return run, nil
}

// resolveConfig merges the submission with configured defaults and
// rejects invalid parameters.
func (s *Service) resolveConfig(req StartRequest) (RunConfig, error) {
	if strings.TrimSpace(req.TargetPath) == "" {
		return RunConfig{}, fmt.Errorf("%w: target path is required", ErrInvalidConfiguration)
	}

	cfg := RunConfig{
		MaxIterations:      req.MaxIterations,
		CoverageThreshold:  s.cfg.CoverageThreshold,
		EnableRL:           req.EnableRL,
		GovernanceRequired: req.GovernanceRequired,
		DryRun:             req.DryRun,
	}

	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = s.cfg.MaxIterations
	}
	if cfg.MaxIterations < 1 {
		return RunConfig{}, fmt.Errorf("%w: max iterations must be at least 1, got %d",
			ErrInvalidConfiguration, cfg.MaxIterations)
	}

	if req.CoverageThreshold != nil {
		cfg.CoverageThreshold = *req.CoverageThreshold
	}
	if cfg.CoverageThreshold < 0 || cfg.CoverageThreshold > 1 {
		return RunConfig{}, fmt.Errorf("%w: coverage threshold %.2f outside [0,1]",
			ErrInvalidConfiguration, cfg.CoverageThreshold)
	}

	if len(req.Platforms) == 0 {
		cfg.Platforms = append([]string(nil), s.cfg.Platforms...)
	} else {
		accepted := make(map[string]bool, len(s.cfg.Platforms))
		for _, platform := range s.cfg.Platforms {
			accepted[platform] = true
		}
		for _, platform := range req.Platforms {
			if !accepted[platform] {
				return RunConfig{}, fmt.Errorf("%w: unknown platform %q (accepted: %s)",
					ErrInvalidConfiguration, platform, strings.Join(s.cfg.Platforms, ", "))
			}
		}
		cfg.Platforms = append([]string(nil), req.Platforms...)
	}

	return cfg, nil
}

// Get returns one run.
func (s *Service) Get(runID string) (AuditRun, error) {
	return s.store.Get(runID)
}

// List returns all runs, newest first.
func (s *Service) List() []AuditRun {
	return s.store.List()
}

// Cancel requests cancellation. A running phase finishes first; the run
// flips to CANCELLED at the next phase boundary. A run suspended at a
// governance checkpoint is already at a boundary and cancels immediately.
func (s *Service) Cancel(ctx context.Context, runID string) (AuditRun, error) {
	run, err := s.store.Get(runID)
	if err != nil {
		return AuditRun{}, err
	}
	if IsTerminal(run.Status) {
		return run, fmt.Errorf("%w: %s", ErrTerminal, run.Status)
	}

	if run.Status == RunAwaitingGovernance {
		cancelled, _ := s.finish(ctx, runID, RunCancelled, "cancelled while awaiting governance")
		return cancelled, nil
	}

	run, err = s.store.Update(runID, func(r *AuditRun) {
		if IsTerminal(r.Status) {
			return
		}
		r.CancelRequested = true
		r.UpdatedAt = time.Now()
	})
	if err != nil {
		return AuditRun{}, err
	}

	s.logger.Info("audit run cancellation requested",
		zap.String("run_id", runID),
		zap.String("phase", string(run.Phase)))
	return run, nil
}

// RecoverInterrupted marks runs that were mid-phase when the previous
// process died as FAILED. Suspended runs stay AWAITING_GOVERNANCE; their
// pending request is still the way back in.
func (s *Service) RecoverInterrupted(ctx context.Context) int {
	recovered := 0
	for _, run := range s.store.List() {
		if run.Status != RunRunning && run.Status != RunPending {
			continue
		}
		s.finish(ctx, run.ID, RunFailed, "interrupted by daemon shutdown before completing")
		recovered++
	}
	if recovered > 0 {
		s.logger.Warn("failed runs interrupted by previous shutdown", zap.Int("count", recovered))
	}
	return recovered
}

// Shutdown stops spawning phase work and waits for control loops to reach
// a boundary, up to ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	s.loopCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit run loops still draining: %w", ctx.Err())
	}
}

// runLoop is the single control loop for one run. It exits on terminal
// status, on suspension, and on daemon shutdown.
func (s *Service) runLoop(runID string) {
	defer s.wg.Done()
	ctx := s.loopCtx
	logger := s.logger.With(zap.String("run_id", runID))

	for {
		run, err := s.store.Get(runID)
		if err != nil {
			logger.Error("run disappeared from store", zap.Error(err))
			return
		}
		if IsTerminal(run.Status) || run.Status == RunAwaitingGovernance {
			return
		}
		if ctx.Err() != nil {
			logger.Warn("shutdown with run in flight, will be recovered as interrupted")
			return
		}
		if run.CancelRequested {
			s.finish(ctx, runID, RunCancelled, "cancelled by operator request")
			return
		}

		phase := run.Phase
		started := time.Now()
		result, err := s.runner.Run(ctx, run, phase)
		s.recordPhase(ctx, phase, err == nil && result.Success, time.Since(started))
		if err != nil {
			logger.Error("phase execution failed",
				zap.String("phase", string(phase)),
				zap.Error(err))
			s.finish(ctx, runID, RunFailed, fmt.Sprintf("phase %s failed: %v", phase, err))
			return
		}

		now := time.Now()
		run, err = s.store.Update(runID, func(r *AuditRun) {
			r.MetricsHistory = append(r.MetricsHistory, MetricsPoint{
				Phase:      phase,
				Iteration:  r.Iteration,
				Metrics:    result.Metrics,
				RecordedAt: now,
			})
			for _, msg := range result.Findings {
				r.Findings = append(r.Findings, Finding{
					Phase:      phase,
					Iteration:  r.Iteration,
					Message:    msg,
					RecordedAt: now,
				})
			}
			r.UpdatedAt = now
		})
		if err != nil {
			logger.Error("failed to commit phase result", zap.Error(err))
			return
		}

		logger.Debug("phase executed",
			zap.String("phase", string(phase)),
			zap.Int("iteration", run.Iteration),
			zap.Bool("success", result.Success))

		if phase == PhaseReinforcementLoop {
			if s.reinforce(ctx, logger, run) {
				return
			}
			continue
		}

		if !result.Success {
			s.finish(ctx, runID, RunFailed, fmt.Sprintf("phase %s did not meet its success criteria", phase))
			return
		}

		s.events.Run(runID, "phase_completed", run)

		next, ok := nextPhase(phase, run.Config.EnableRL)
		if !ok {
			s.finish(ctx, runID, RunCompleted)
			return
		}

		suspended, err := s.advance(ctx, run, phase, next, false)
		if err != nil {
			s.finish(ctx, runID, RunFailed, err.Error())
			return
		}
		if suspended {
			return
		}
	}
}

// reinforce handles the post-iteration convergence decision. Returns true
// when the control loop should exit (suspension or failure).
func (s *Service) reinforce(ctx context.Context, logger *zap.Logger, run AuditRun) bool {
	decision := s.detector.Evaluate(run.ReinforcementDeltas(), run.Iteration, run.Config.MaxIterations)
	s.events.Run(run.ID, "iteration_completed", run)

	if !decision.Converged {
		next, err := s.store.Update(run.ID, func(r *AuditRun) {
			r.Iteration++
			r.UpdatedAt = time.Now()
		})
		if err != nil {
			logger.Error("failed to advance reinforcement iteration", zap.Error(err))
			return true
		}
		logger.Debug("reinforcement loop iterating", zap.Int("iteration", next.Iteration))
		return false
	}

	var message string
	switch decision.Reason {
	case ReasonOptimized:
		message = fmt.Sprintf("reinforcement loop optimized after %d iterations", run.Iteration)
	case ReasonMetricsStable:
		message = fmt.Sprintf("reinforcement loop stabilized after %d iterations, metrics unchanged", run.Iteration)
	case ReasonIterationBudget:
		message = fmt.Sprintf("reinforcement loop exhausted its %d-iteration budget without optimizing", run.Config.MaxIterations)
	}

	now := time.Now()
	run, err := s.store.Update(run.ID, func(r *AuditRun) {
		r.ConvergenceReason = decision.Reason
		r.Findings = append(r.Findings, Finding{
			Phase:      PhaseReinforcementLoop,
			Iteration:  r.Iteration,
			Message:    message,
			RecordedAt: now,
		})
		r.UpdatedAt = now
	})
	if err != nil {
		logger.Error("failed to record convergence", zap.Error(err))
		return true
	}

	logger.Info("reinforcement loop converged",
		zap.String("reason", string(decision.Reason)),
		zap.Int("iterations", run.Iteration))
	s.events.Run(run.ID, "phase_completed", run)

	next, ok := nextPhase(PhaseReinforcementLoop, run.Config.EnableRL)
	if !ok {
		s.finish(ctx, run.ID, RunCompleted)
		return true
	}

	override := decision.Reason == ReasonIterationBudget
	suspended, err := s.advance(ctx, run, PhaseReinforcementLoop, next, override)
	if err != nil {
		s.finish(ctx, run.ID, RunFailed, err.Error())
		return true
	}
	return suspended
}

// advance moves the run to the next phase, or suspends it behind a
// governance request when the transition needs approval.
func (s *Service) advance(ctx context.Context, run AuditRun, from, to Phase, override bool) (bool, error) {
	transition := governance.Transition{
		RunID:              run.ID,
		From:               string(from),
		To:                 string(to),
		GovernanceRequired: run.Config.GovernanceRequired,
		CriteriaOverride:   override,
	}

	if !s.gov.RequiresApproval(transition) {
		_, err := s.store.Update(run.ID, func(r *AuditRun) {
			r.Phase = to
			r.UpdatedAt = time.Now()
		})
		return false, err
	}

	req, err := s.gov.Submit(ctx, transition, riskSummary(run, transition))
	if err != nil {
		return false, fmt.Errorf("governance submission for %s failed: %w", transition, err)
	}

	suspendedRun, err := s.store.Update(run.ID, func(r *AuditRun) {
		r.Status = RunAwaitingGovernance
		r.Pending = &PendingTransition{RequestID: req.ID, NextPhase: to, Override: override}
		r.UpdatedAt = time.Now()
	})
	if err != nil {
		return false, err
	}

	s.logger.Info("audit run awaiting governance",
		zap.String("run_id", run.ID),
		zap.String("request_id", req.ID),
		zap.String("transition", transition.String()))
	s.events.Run(run.ID, "awaiting_governance", suspendedRun)

	return true, nil
}

// handleDecision is the continuation registered with the governance
// service. Approval re-spawns the control loop at the approved phase;
// denial fails the run with the comment preserved as a finding.
func (s *Service) handleDecision(ctx context.Context, req governance.Request) {
	logger := s.logger.With(
		zap.String("request_id", req.ID),
		zap.String("run_id", req.AuditRunID))

	run, err := s.store.Get(req.AuditRunID)
	if err != nil {
		logger.Warn("governance decision for unknown run", zap.Error(err))
		return
	}
	if run.Status != RunAwaitingGovernance || run.Pending == nil || run.Pending.RequestID != req.ID {
		logger.Warn("governance decision for a run no longer waiting on it",
			zap.String("run_status", string(run.Status)))
		return
	}

	if req.Decision == governance.DecisionDenied {
		message := "governance denied the transition"
		if req.Comment != "" {
			message = fmt.Sprintf("governance denied the transition: %s", req.Comment)
		}
		s.finish(ctx, req.AuditRunID, RunFailed, message)
		return
	}

	resumed, err := s.store.Update(req.AuditRunID, func(r *AuditRun) {
		if r.Status != RunAwaitingGovernance || r.Pending == nil || r.Pending.RequestID != req.ID {
			return
		}
		r.Phase = r.Pending.NextPhase
		r.Status = RunRunning
		r.Pending = nil
		if req.Comment != "" {
			r.Findings = append(r.Findings, Finding{
				Phase:      r.Phase,
				Iteration:  r.Iteration,
				Message:    fmt.Sprintf("governance approved the transition: %s", req.Comment),
				RecordedAt: time.Now(),
			})
		}
		r.UpdatedAt = time.Now()
	})
	if err != nil || resumed.Status != RunRunning {
		return
	}

	logger.Info("audit run resumed after approval", zap.String("phase", string(resumed.Phase)))
	s.events.Run(req.AuditRunID, "resumed", resumed)

	s.wg.Add(1)
	go s.runLoop(req.AuditRunID)
}

// finish commits a terminal status once. Later calls for an already
// terminal run change nothing.
func (s *Service) finish(ctx context.Context, runID string, status RunStatus, findings ...string) (AuditRun, bool) {
	var changed bool
	run, err := s.store.Update(runID, func(r *AuditRun) {
		if IsTerminal(r.Status) {
			return
		}
		changed = true
		now := time.Now()
		for _, msg := range findings {
			if msg == "" {
				continue
			}
			r.Findings = append(r.Findings, Finding{
				Phase:      r.Phase,
				Iteration:  r.Iteration,
				Message:    msg,
				RecordedAt: now,
			})
		}
		r.Status = status
		r.Pending = nil
		r.UpdatedAt = now
		r.CompletedAt = &now
	})
	if err != nil {
		s.logger.Warn("failed to finish run", zap.String("run_id", runID), zap.Error(err))
		return AuditRun{}, false
	}
	if !changed {
		return run, false
	}

	s.logger.Info("audit run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)))
	s.events.Run(runID, terminalEvent(status), run)
	if s.runsCounter != nil {
		s.runsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}

	return run, true
}

func terminalEvent(status RunStatus) string {
	switch status {
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	}
	return "updated"
}

func (s *Service) recordPhase(ctx context.Context, phase Phase, success bool, elapsed time.Duration) {
	if s.phaseCounter != nil {
		s.phaseCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(phase)),
			attribute.Bool("success", success)))
	}
	if s.phaseDuration != nil {
		s.phaseDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("phase", string(phase))))
	}
}

// riskSummary renders the context a human reviewer sees on the request.
func riskSummary(run AuditRun, t governance.Transition) string {
	summary := fmt.Sprintf("%d findings and %d metrics snapshots recorded so far", len(run.Findings), len(run.MetricsHistory))
	if t.CriteriaOverride {
		return "reinforcement loop gave up before optimizing; " + summary
	}
	return summary
}
