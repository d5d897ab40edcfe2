package orchestrator

// ConvergenceReason states why the reinforcement loop stopped.
type ConvergenceReason string

const (
	// ReasonOptimized means the delta fell below the threshold with a
	// non-increasing trend.
	ReasonOptimized ConvergenceReason = "optimized"

	// ReasonMetricsStable means two consecutive iterations produced
	// identical metrics. A flat signal is a local optimum, not missing
	// data, so the detector stops without waiting for a full window.
	ReasonMetricsStable ConvergenceReason = "metrics_stable"

	// ReasonIterationBudget means the iteration cap was hit before the
	// delta stabilized. The loop gave up rather than optimized.
	ReasonIterationBudget ConvergenceReason = "iteration_budget_exhausted"
)

// Decision is the detector's verdict after one reinforcement iteration.
type Decision struct {
	Converged bool
	Reason    ConvergenceReason
}

// Detector decides whether successive reinforcement iterations have
// stabilized. Pure: it inspects only the metrics history it is given.
type Detector struct {
	// Window is how many trailing iterations must show a non-increasing
	// delta trend.
	Window int

	// DeltaThreshold is the delta_reduction level below which the latest
	// iteration counts as stabilized.
	DeltaThreshold float64

	// Tolerance allows small delta increases inside the window without
	// breaking the non-increasing trend.
	Tolerance float64
}

// NewDetector builds a Detector, substituting defaults for zero values.
func NewDetector(window int, deltaThreshold, tolerance float64) Detector {
	if window < 2 {
		window = 3
	}
	if deltaThreshold <= 0 {
		deltaThreshold = 0.05
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return Detector{Window: window, DeltaThreshold: deltaThreshold, Tolerance: tolerance}
}

// Evaluate decides whether to stop iterating given the reinforcement
// metrics history so far, the 1-indexed iteration just completed, and the
// run's iteration cap.
func (d Detector) Evaluate(history []Metrics, iteration, maxIterations int) Decision {
	if len(history) >= 2 && history[len(history)-1] == history[len(history)-2] {
		return Decision{Converged: true, Reason: ReasonMetricsStable}
	}

	if len(history) > 0 {
		latest := history[len(history)-1].DeltaReduction
		if latest < d.DeltaThreshold && d.nonIncreasing(history) {
			return Decision{Converged: true, Reason: ReasonOptimized}
		}
	}

	if iteration >= maxIterations {
		return Decision{Converged: true, Reason: ReasonIterationBudget}
	}

	return Decision{}
}

// nonIncreasing reports whether the trailing window of delta_reduction
// values never rises by more than the tolerance. Histories shorter than
// the window are judged on what exists; a single sample trivially holds.
func (d Detector) nonIncreasing(history []Metrics) bool {
	start := len(history) - d.Window
	if start < 0 {
		start = 0
	}
	for i := start + 1; i < len(history); i++ {
		if history[i].DeltaReduction > history[i-1].DeltaReduction+d.Tolerance {
			return false
		}
	}
	return true
}
