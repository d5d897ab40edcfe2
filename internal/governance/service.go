package governance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/events"
)

const instrumentationName = "github.com/fyrsmithlabs/auditd/internal/governance"

// DecisionHandler receives every resolved request. The orchestrator
// registers one to resume or fail the suspended run.
type DecisionHandler func(ctx context.Context, req Request)

// Service owns the governance request lifecycle.
type Service struct {
	store  *Store
	events *events.Publisher
	logger *zap.Logger

	window        time.Duration
	checkInterval time.Duration

	tracer            trace.Tracer
	meter             metric.Meter
	decisionCounter   metric.Int64Counter
	escalationCounter metric.Int64Counter

	mu         sync.RWMutex
	handler    DecisionHandler
	classifier Classifier
}

// NewService creates the governance service. window is how long a request
// may stay pending before escalation; checkInterval is the scan period.
func NewService(store *Store, publisher *events.Publisher, window, checkInterval time.Duration, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	s := &Service{
		store:         store,
		events:        publisher,
		logger:        logger,
		window:        window,
		checkInterval: checkInterval,
		tracer:        otel.Tracer(instrumentationName),
		meter:         otel.Meter(instrumentationName),
		classifier:    DefaultClassifier,
	}

	s.initMetrics()

	return s, nil
}

func (s *Service) initMetrics() {
	var err error
	s.decisionCounter, err = s.meter.Int64Counter(
		"auditd.governance.decisions_total",
		metric.WithDescription("Resolved governance requests by decision"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create decision counter", zap.Error(err))
	}

	s.escalationCounter, err = s.meter.Int64Counter(
		"auditd.governance.escalations_total",
		metric.WithDescription("Governance requests pending beyond the escalation window"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create escalation counter", zap.Error(err))
	}
}

// SetDecisionHandler registers the continuation invoked on every decision.
func (s *Service) SetDecisionHandler(handler DecisionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// SetClassifier replaces the breaking-change policy.
func (s *Service) SetClassifier(classifier Classifier) {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifier = classifier
}

// RequiresApproval reports whether the transition must wait for a human.
func (s *Service) RequiresApproval(t Transition) bool {
	s.mu.RLock()
	classifier := s.classifier
	s.mu.RUnlock()
	return classifier(t)
}

// Submit creates a PENDING request for the transition. A run can hold at
// most one pending request at a time.
func (s *Service) Submit(ctx context.Context, t Transition, riskSummary string) (Request, error) {
	ctx, span := s.tracer.Start(ctx, "governance.submit",
		trace.WithAttributes(attribute.String("audit.run_id", t.RunID)))
	defer span.End()

	if existing, found := s.store.PendingForRun(t.RunID); found {
		return existing, ErrPendingExists
	}

	req := Request{
		ID:                 uuid.New().String(),
		AuditRunID:         t.RunID,
		ProposedTransition: t.String(),
		RiskSummary:        riskSummary,
		Decision:           DecisionPending,
		CreatedAt:          time.Now(),
	}
	s.store.Put(req)

	s.logger.Info("governance request submitted",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.AuditRunID),
		zap.String("transition", req.ProposedTransition))
	s.events.Governance(req.ID, "submitted", req)
	span.SetAttributes(attribute.String("governance.request_id", req.ID))

	return req, nil
}

// Decide resolves a request. Fails with ErrAlreadyDecided unless the
// request is PENDING. The decision handler runs before Decide returns, so
// the caller observes the run already resumed or failed.
func (s *Service) Decide(ctx context.Context, requestID string, approve bool, comment string) (Request, error) {
	ctx, span := s.tracer.Start(ctx, "governance.decide",
		trace.WithAttributes(
			attribute.String("governance.request_id", requestID),
			attribute.Bool("governance.approved", approve),
		))
	defer span.End()

	req, err := s.store.Decide(requestID, approve, comment)
	if err != nil {
		span.RecordError(err)
		return req, err
	}

	s.logger.Info("governance request decided",
		zap.String("request_id", req.ID),
		zap.String("run_id", req.AuditRunID),
		zap.String("decision", string(req.Decision)))
	s.events.Governance(req.ID, "decided", req)
	if s.decisionCounter != nil {
		s.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", string(req.Decision))))
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler != nil {
		handler(ctx, req)
	}

	return req, nil
}

// Get returns one request.
func (s *Service) Get(requestID string) (Request, error) {
	return s.store.Get(requestID)
}

// List returns all requests, newest first.
func (s *Service) List() []Request {
	return s.store.List()
}

// PendingForRun returns the run's pending request, if any.
func (s *Service) PendingForRun(runID string) (Request, bool) {
	return s.store.PendingForRun(runID)
}

// WatchEscalations scans pending requests until ctx is cancelled, flagging
// each one once when it outlives the escalation window. Requests are never
// auto-resolved; escalation is observability only.
func (s *Service) WatchEscalations(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.escalateOverdue(ctx)
		}
	}
}

func (s *Service) escalateOverdue(ctx context.Context) {
	cutoff := time.Now().Add(-s.window)
	for _, req := range s.store.List() {
		if req.Decision != DecisionPending || req.Escalated || req.CreatedAt.After(cutoff) {
			continue
		}

		escalated, changed := s.store.MarkEscalated(req.ID)
		if !changed {
			continue
		}

		s.logger.Warn("governance request pending beyond escalation window",
			zap.String("request_id", escalated.ID),
			zap.String("run_id", escalated.AuditRunID),
			zap.Duration("pending_for", time.Since(escalated.CreatedAt)),
			zap.Duration("window", s.window))
		s.events.Governance(escalated.ID, "escalated", escalated)
		if s.escalationCounter != nil {
			s.escalationCounter.Add(ctx, 1)
		}
	}
}
