package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelJSON bool

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().BoolVar(&cancelJSON, "json", false, "Output results as JSON")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an audit run",
	Long: `Request cancellation of an audit run. A running phase finishes
first; the run stops at the next phase boundary. A run waiting on
governance is cancelled immediately.

Examples:
  audit cancel 6b9c2f0e-1d34-4c1a-9f7e-8a2b5c3d4e5f`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	var run AuditRun
	if err := apiPost("/audits/"+args[0]+"/cancel", nil, &run); err != nil {
		return err
	}

	if cancelJSON {
		return outputJSON(run)
	}

	if run.Status == "CANCELLED" {
		fmt.Printf("Run %s cancelled\n", run.ID)
	} else {
		fmt.Printf("Cancellation requested; run %s will stop after %s\n", run.ID, run.Phase)
	}

	return nil
}
