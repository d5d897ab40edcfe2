package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output results as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of an audit run",
	Long: `Show the phase, iteration, status, latest metrics, and findings of
an audit run.

Examples:
  # Inspect a run
  audit status 6b9c2f0e-1d34-4c1a-9f7e-8a2b5c3d4e5f

  # Output as JSON
  audit status 6b9c2f0e-1d34-4c1a-9f7e-8a2b5c3d4e5f --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var run AuditRun
	if err := apiGet("/audits/"+args[0], &run); err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(run)
	}

	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("Target: %s\n", run.TargetPath)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("Phase: %s", run.Phase)
	if run.Phase == "REINFORCEMENT_LOOP" || run.Iteration > 1 {
		fmt.Printf(" (iteration %d)", run.Iteration)
	}
	fmt.Println()
	fmt.Printf("Duration: %s\n", runDuration(run))
	if run.ConvergenceReason != "" {
		fmt.Printf("Convergence: %s\n", run.ConvergenceReason)
	}

	if run.Pending != nil {
		fmt.Printf("\nAwaiting governance decision\n")
		fmt.Printf("Request: %s\n", run.Pending.RequestID)
		fmt.Printf("Next phase: %s\n", run.Pending.NextPhase)
		if run.Pending.Override {
			fmt.Printf("Override: the reinforcement loop gave up before optimizing\n")
		}
		fmt.Printf("\nResolve it with: audit governance %s --approve\n", run.Pending.RequestID)
	}

	if point, ok := latestMetrics(run); ok {
		fmt.Printf("\nLatest metrics (%s", point.Phase)
		if point.Iteration > 0 {
			fmt.Printf(", iteration %d", point.Iteration)
		}
		fmt.Printf("):\n")
		fmt.Printf("  delta reduction:       %.2f\n", point.Metrics.DeltaReduction)
		fmt.Printf("  test coverage:         %.2f\n", point.Metrics.TestCoverage)
		fmt.Printf("  cross-platform parity: %.2f\n", point.Metrics.CrossPlatformParity)
		fmt.Printf("  security score:        %.2f\n", point.Metrics.SecurityScore)
		fmt.Printf("  performance gain:      %.2f\n", point.Metrics.PerformanceGain)
		fmt.Printf("  ux score:              %.2f\n", point.Metrics.UXScore)
	}

	if len(run.Findings) > 0 {
		fmt.Printf("\nFindings:\n")
		for _, finding := range run.Findings {
			fmt.Printf("  [%s] %s\n", finding.Phase, finding.Message)
		}
	}

	return nil
}

func latestMetrics(run AuditRun) (MetricsPoint, bool) {
	if len(run.MetricsHistory) == 0 {
		return MetricsPoint{}, false
	}
	return run.MetricsHistory[len(run.MetricsHistory)-1], true
}
