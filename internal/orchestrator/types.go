// Package orchestrator runs multi-phase audit workflows.
//
// One AuditRun advances through a fixed phase sequence under a single
// control loop. Phases produce Metrics and Findings, the reinforcement
// loop iterates until the convergence detector stops it, and risky
// transitions suspend the run behind a governance decision.
package orchestrator

import (
	"errors"
	"time"
)

// Run errors surfaced to the API layer.
var (
	ErrNotFound             = errors.New("audit run not found")
	ErrTerminal             = errors.New("audit run already in a terminal state")
	ErrInvalidConfiguration = errors.New("invalid run configuration")
)

// Phase is one named stage of the audit sequence.
type Phase string

const (
	PhaseInitialization        Phase = "INITIALIZATION"
	PhaseResearch              Phase = "RESEARCH"
	PhaseStructure             Phase = "STRUCTURE"
	PhaseExecution             Phase = "EXECUTION"
	PhaseIntegrationValidation Phase = "INTEGRATION_VALIDATION"
	PhaseReviewRecursion       Phase = "REVIEW_RECURSION"
	PhaseReinforcementLoop     Phase = "REINFORCEMENT_LOOP"
	PhaseDocumentAndBind       Phase = "DOCUMENT_AND_BIND"
)

// PhaseSequence returns the phases in execution order. The reinforcement
// loop participates only when enabled for the run.
func PhaseSequence(enableRL bool) []Phase {
	phases := []Phase{
		PhaseInitialization,
		PhaseResearch,
		PhaseStructure,
		PhaseExecution,
		PhaseIntegrationValidation,
		PhaseReviewRecursion,
	}
	if enableRL {
		phases = append(phases, PhaseReinforcementLoop)
	}
	return append(phases, PhaseDocumentAndBind)
}

// nextPhase returns the phase after p, or false when p is the last one.
func nextPhase(p Phase, enableRL bool) (Phase, bool) {
	phases := PhaseSequence(enableRL)
	for i, candidate := range phases {
		if candidate == p && i+1 < len(phases) {
			return phases[i+1], true
		}
	}
	return "", false
}

// RunStatus is the lifecycle state of an AuditRun.
type RunStatus string

const (
	RunPending            RunStatus = "PENDING"
	RunRunning            RunStatus = "RUNNING"
	RunAwaitingGovernance RunStatus = "AWAITING_GOVERNANCE"
	RunCompleted          RunStatus = "COMPLETED"
	RunFailed             RunStatus = "FAILED"
	RunCancelled          RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s RunStatus) bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Metrics is the numeric snapshot attached to one phase-iteration.
// Values are conventionally in [0,1] except PerformanceGain, which is
// unbounded with positive meaning improvement.
type Metrics struct {
	DeltaReduction      float64 `json:"delta_reduction"`
	TestCoverage        float64 `json:"test_coverage"`
	CrossPlatformParity float64 `json:"cross_platform_parity"`
	SecurityScore       float64 `json:"security_score"`
	PerformanceGain     float64 `json:"performance_gain"`
	UXScore             float64 `json:"ux_score"`
}

// MetricsPoint records the metrics produced by one completed
// phase-iteration.
type MetricsPoint struct {
	Phase      Phase     `json:"phase"`
	Iteration  int       `json:"iteration"`
	Metrics    Metrics   `json:"metrics"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Finding is a human-readable record of what a phase discovered.
type Finding struct {
	Phase      Phase     `json:"phase"`
	Iteration  int       `json:"iteration,omitempty"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RunConfig carries the per-run knobs supplied at submission time.
type RunConfig struct {
	MaxIterations      int      `json:"max_iterations"`
	Platforms          []string `json:"platforms"`
	CoverageThreshold  float64  `json:"coverage_threshold"`
	EnableRL           bool     `json:"enable_rl"`
	GovernanceRequired bool     `json:"governance_required"`
	DryRun             bool     `json:"dry_run"`
}

// PendingTransition is the continuation recorded while a run waits for a
// governance decision. Approval advances the run to NextPhase.
type PendingTransition struct {
	RequestID string `json:"request_id"`
	NextPhase Phase  `json:"next_phase"`

	// Override marks a transition proposed after the reinforcement loop
	// exhausted its iteration budget without optimizing.
	Override bool `json:"override,omitempty"`
}

// AuditRun is one execution of the orchestrator.
type AuditRun struct {
	ID         string    `json:"id"`
	TargetPath string    `json:"target_path"`
	Config     RunConfig `json:"config"`

	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	Status    RunStatus `json:"status"`

	MetricsHistory []MetricsPoint `json:"metrics_history,omitempty"`
	Findings       []Finding      `json:"findings,omitempty"`

	// ConvergenceReason is set when the reinforcement loop stops, so
	// callers can tell an optimized run from an exhausted one.
	ConvergenceReason ConvergenceReason `json:"convergence_reason,omitempty"`

	Pending         *PendingTransition `json:"pending_transition,omitempty"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the control loop.
func (r AuditRun) Clone() AuditRun {
	out := r
	if r.MetricsHistory != nil {
		out.MetricsHistory = make([]MetricsPoint, len(r.MetricsHistory))
		copy(out.MetricsHistory, r.MetricsHistory)
	}
	if r.Findings != nil {
		out.Findings = make([]Finding, len(r.Findings))
		copy(out.Findings, r.Findings)
	}
	if r.Config.Platforms != nil {
		out.Config.Platforms = make([]string, len(r.Config.Platforms))
		copy(out.Config.Platforms, r.Config.Platforms)
	}
	if r.Pending != nil {
		pending := *r.Pending
		out.Pending = &pending
	}
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// LatestMetrics returns the most recent metrics snapshot, if any.
func (r AuditRun) LatestMetrics() (MetricsPoint, bool) {
	if len(r.MetricsHistory) == 0 {
		return MetricsPoint{}, false
	}
	return r.MetricsHistory[len(r.MetricsHistory)-1], true
}

// ReinforcementDeltas returns the metrics recorded by reinforcement
// iterations, in iteration order. Input to the convergence detector.
func (r AuditRun) ReinforcementDeltas() []Metrics {
	var out []Metrics
	for _, point := range r.MetricsHistory {
		if point.Phase == PhaseReinforcementLoop {
			out = append(out, point.Metrics)
		}
	}
	return out
}
