package orchestrator

import "fmt"

// Outcome is the structured result a phase hands to the success criteria.
// Bridge-backed phases decode it from the tool payload; simulated phases
// construct it directly.
type Outcome struct {
	Metrics  Metrics  `json:"metrics"`
	Findings []string `json:"findings,omitempty"`

	// UnreachableBridges lists endpoints that failed the capability probe.
	UnreachableBridges []string `json:"unreachable_bridges,omitempty"`

	// DriftReport lists spec/implementation gaps found by research.
	DriftReport []string `json:"drift_report,omitempty"`

	// Conflicts lists unresolved structural conflicts in the feature map.
	Conflicts []string `json:"conflicts,omitempty"`

	// PlatformResults maps platform name to integration check outcome.
	PlatformResults map[string]bool `json:"platform_results,omitempty"`

	// SecurityFindings lists unresolved security issues from review.
	SecurityFindings []string `json:"security_findings,omitempty"`

	// DocumentPath and RollbackPlan are the binding-phase artifacts.
	DocumentPath string `json:"document_path,omitempty"`
	RollbackPlan string `json:"rollback_plan,omitempty"`
}

// EvaluateCriteria applies the phase's success criteria to an outcome.
// On failure the returned findings explain why.
func EvaluateCriteria(phase Phase, cfg RunConfig, outcome Outcome) (bool, []string) {
	switch phase {
	case PhaseInitialization:
		if len(outcome.UnreachableBridges) == 0 {
			return true, nil
		}
		findings := make([]string, 0, len(outcome.UnreachableBridges))
		for _, name := range outcome.UnreachableBridges {
			findings = append(findings, fmt.Sprintf("bridge %s did not answer the capability probe", name))
		}
		return false, findings

	case PhaseResearch:
		if len(outcome.DriftReport) > 0 {
			return true, nil
		}
		return false, []string{"research produced an empty drift report"}

	case PhaseStructure:
		if len(outcome.Conflicts) == 0 {
			return true, nil
		}
		findings := make([]string, 0, len(outcome.Conflicts))
		for _, conflict := range outcome.Conflicts {
			findings = append(findings, fmt.Sprintf("unresolved structural conflict: %s", conflict))
		}
		return false, findings

	case PhaseExecution:
		if outcome.Metrics.TestCoverage >= cfg.CoverageThreshold {
			return true, nil
		}
		return false, []string{fmt.Sprintf(
			"test coverage %.2f below required threshold %.2f",
			outcome.Metrics.TestCoverage, cfg.CoverageThreshold)}

	case PhaseIntegrationValidation:
		var findings []string
		for _, platform := range cfg.Platforms {
			passed, reported := outcome.PlatformResults[platform]
			switch {
			case !reported:
				findings = append(findings, fmt.Sprintf("platform %s reported no integration result", platform))
			case !passed:
				findings = append(findings, fmt.Sprintf("platform %s integration checks failed", platform))
			}
		}
		return len(findings) == 0, findings

	case PhaseReviewRecursion:
		var findings []string
		if quality := AggregateQuality(outcome.Metrics); quality < 0.95 {
			findings = append(findings, fmt.Sprintf("aggregate quality %.3f below required 0.95", quality))
		}
		for _, issue := range outcome.SecurityFindings {
			findings = append(findings, fmt.Sprintf("unresolved security finding: %s", issue))
		}
		return len(findings) == 0, findings

	case PhaseReinforcementLoop:
		// Iteration quality is judged by the convergence detector, not here.
		return true, nil

	case PhaseDocumentAndBind:
		var findings []string
		if outcome.DocumentPath == "" {
			findings = append(findings, "no documentation artifact was generated")
		}
		if outcome.RollbackPlan == "" {
			findings = append(findings, "no rollback plan was recorded")
		}
		return len(findings) == 0, findings
	}

	return false, []string{fmt.Sprintf("unknown phase %s", phase)}
}

// AggregateQuality is the review-phase quality score: the mean of the four
// bounded quality metrics.
func AggregateQuality(m Metrics) float64 {
	return (m.TestCoverage + m.CrossPlatformParity + m.SecurityScore + m.UXScore) / 4
}
