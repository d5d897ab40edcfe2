package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	// governance command flags
	govApprove bool
	govDeny    bool
	govComment string
	govJSON    bool
)

func init() {
	rootCmd.AddCommand(governanceCmd)

	governanceCmd.Flags().BoolVar(&govApprove, "approve", false, "Approve the request")
	governanceCmd.Flags().BoolVar(&govDeny, "deny", false, "Deny the request")
	governanceCmd.Flags().StringVar(&govComment, "comment", "", "Reviewer comment recorded with the decision")
	governanceCmd.Flags().BoolVar(&govJSON, "json", false, "Output results as JSON")
}

var governanceCmd = &cobra.Command{
	Use:   "governance [request-id]",
	Short: "List or resolve governance requests",
	Long: `Without arguments, list pending governance requests. With a request
id and --approve or --deny, resolve the request; approval resumes the
suspended run, denial fails it. A request can be decided exactly once.

Examples:
  # List pending requests
  audit governance

  # Approve a request
  audit governance 3f8a... --approve --comment "reviewed the binding plan"

  # Deny a request
  audit governance 3f8a... --deny --comment "too risky near release"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGovernance,
}

// DecideRequest matches internal/server/types.go DecideRequest.
type DecideRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

func runGovernance(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listGovernance()
	}
	return decideGovernance(args[0])
}

func listGovernance() error {
	var requests []GovernanceRequest
	if err := apiGet("/governance", &requests); err != nil {
		return err
	}

	if govJSON {
		return outputJSON(requests)
	}

	if len(requests) == 0 {
		fmt.Println("No governance requests found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUN\tTRANSITION\tDECISION\tESCALATED\tCREATED")
	for _, req := range requests {
		escalated := ""
		if req.Escalated {
			escalated = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(req.ID, 12),
			truncate(req.AuditRunID, 12),
			req.ProposedTransition,
			req.Decision,
			escalated,
			req.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

func decideGovernance(requestID string) error {
	if govApprove == govDeny {
		return fmt.Errorf("exactly one of --approve or --deny is required")
	}

	req := DecideRequest{
		Approve: govApprove,
		Comment: govComment,
	}

	var decided GovernanceRequest
	if err := apiPost("/governance/"+requestID, req, &decided); err != nil {
		return err
	}

	if govJSON {
		return outputJSON(decided)
	}

	fmt.Printf("Request %s: %s\n", decided.ID, decided.Decision)
	fmt.Printf("Run: %s\n", decided.AuditRunID)
	fmt.Printf("Transition: %s\n", decided.ProposedTransition)
	if decided.Comment != "" {
		fmt.Printf("Comment: %s\n", decided.Comment)
	}

	return nil
}
