package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listJSON bool

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output results as JSON")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known audit runs",
	Long: `List every audit run the daemon knows about, newest first.

Examples:
  # List runs
  audit list

  # Output as JSON
  audit list --json`,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	var runs []AuditRun
	if err := apiGet("/audits", &runs); err != nil {
		return err
	}

	if listJSON {
		return outputJSON(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No audit runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tSTATUS\tPHASE\tDURATION\tCREATED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(run.ID, 12),
			truncate(run.TargetPath, 30),
			run.Status,
			run.Phase,
			runDuration(run),
			run.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}
