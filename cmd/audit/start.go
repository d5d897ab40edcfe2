package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// start command flags
	startPath          string
	startMaxIterations int
	startPlatforms     []string
	startCoverage      float64
	startEnableRL      bool
	startGovernance    bool
	startDryRun        bool
	startJSON          bool
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&startPath, "path", "", "Target directory to audit (required)")
	startCmd.Flags().IntVar(&startMaxIterations, "max-iterations", 0, "Reinforcement loop iteration budget (0 = server default)")
	startCmd.Flags().StringSliceVar(&startPlatforms, "platforms", nil, "Platforms to audit (default: server default)")
	startCmd.Flags().Float64Var(&startCoverage, "coverage-threshold", 0, "Required test coverage in [0,1] (default: server default)")
	startCmd.Flags().BoolVar(&startEnableRL, "enable-rl", false, "Run the reinforcement loop after review recursion")
	startCmd.Flags().BoolVar(&startGovernance, "governance", false, "Hold the binding transition for human approval")
	startCmd.Flags().BoolVar(&startDryRun, "dry-run", false, "Simulate every phase without touching bridges")
	startCmd.Flags().BoolVar(&startJSON, "json", false, "Output results as JSON")
	_ = startCmd.MarkFlagRequired("path")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Submit a new audit run",
	Long: `Submit a new audit run against a target directory.

The run advances through the phase sequence in the background; use
"audit status RUN_ID" to follow it.

Examples:
  # Start with server defaults
  audit start --path /home/dev/projects/shop-backend

  # Tighten coverage and enable the reinforcement loop
  audit start --path . --coverage-threshold 0.9 --enable-rl

  # Hold the binding transition for approval
  audit start --path . --governance

  # Dry run against specific platforms
  audit start --path . --dry-run --platforms ios,android`,
	RunE: runStart,
}

// StartRunRequest matches internal/server/types.go StartRunRequest.
type StartRunRequest struct {
	TargetPath         string   `json:"target_path"`
	MaxIterations      int      `json:"max_iterations,omitempty"`
	Platforms          []string `json:"platforms,omitempty"`
	CoverageThreshold  *float64 `json:"coverage_threshold,omitempty"`
	EnableRL           bool     `json:"enable_rl,omitempty"`
	GovernanceRequired bool     `json:"governance_required,omitempty"`
	DryRun             bool     `json:"dry_run,omitempty"`
}

func runStart(cmd *cobra.Command, args []string) error {
	req := StartRunRequest{
		TargetPath:         startPath,
		MaxIterations:      startMaxIterations,
		Platforms:          startPlatforms,
		EnableRL:           startEnableRL,
		GovernanceRequired: startGovernance,
		DryRun:             startDryRun,
	}
	// Zero is a valid threshold, so only send it when the flag was set.
	if cmd.Flags().Changed("coverage-threshold") {
		req.CoverageThreshold = &startCoverage
	}

	var run AuditRun
	if err := apiPost("/audits", req, &run); err != nil {
		return err
	}

	if startJSON {
		return outputJSON(run)
	}

	fmt.Printf("Audit run submitted\n")
	fmt.Printf("ID: %s\n", run.ID)
	fmt.Printf("Target: %s\n", run.TargetPath)
	fmt.Printf("Status: %s\n", run.Status)
	fmt.Printf("\nFollow it with: audit status %s\n", run.ID)

	return nil
}
