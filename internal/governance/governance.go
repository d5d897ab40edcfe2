// Package governance holds audit runs at risky phase transitions until a
// human approves or denies them.
//
// A transition flagged by the classifier produces a PENDING Request and
// the run suspends. Decide resolves the request exactly once and hands the
// outcome to the registered decision handler, which resumes or fails the
// run. Requests pending beyond the escalation window emit an escalation
// event but are never auto-resolved.
package governance

import (
	"errors"
	"time"
)

// Request errors surfaced to the API layer.
var (
	ErrNotFound       = errors.New("governance request not found")
	ErrAlreadyDecided = errors.New("governance request already decided")
	ErrPendingExists  = errors.New("run already has a pending governance request")
)

// Decision is the resolution state of a request.
type Decision string

const (
	DecisionPending  Decision = "PENDING"
	DecisionApproved Decision = "APPROVED"
	DecisionDenied   Decision = "DENIED"
)

// Request is one approval checkpoint for one run. Resolution is terminal.
type Request struct {
	ID                 string     `json:"id"`
	AuditRunID         string     `json:"audit_run_id"`
	ProposedTransition string     `json:"proposed_transition"`
	RiskSummary        string     `json:"risk_summary"`
	Decision           Decision   `json:"decision"`
	Comment            string     `json:"comment,omitempty"`
	Escalated          bool       `json:"escalated,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
}

// bindingPhase is the phase whose entry counts as a breaking change under
// the default classifier.
const bindingPhase = "DOCUMENT_AND_BIND"

// Transition describes a proposed phase advance for classification.
type Transition struct {
	RunID string
	From  string
	To    string

	// GovernanceRequired is the run's submission-time approval flag.
	GovernanceRequired bool

	// CriteriaOverride marks an advance proposed even though the previous
	// phase never met its success criteria.
	CriteriaOverride bool
}

// String renders the transition for request records and risk summaries.
func (t Transition) String() string {
	return t.From + " -> " + t.To
}

// Classifier decides whether a transition needs human approval.
type Classifier func(Transition) bool

// DefaultClassifier gates criteria overrides unconditionally, and the
// binding transition when the run asked for governance.
func DefaultClassifier(t Transition) bool {
	if t.CriteriaOverride {
		return true
	}
	return t.GovernanceRequired && t.To == bindingPhase
}
