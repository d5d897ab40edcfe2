package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/auditd/internal/project"
)

var analyzeJSON bool

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Output results as JSON")
}

// analyzeCmd inspects a target directory locally, without a daemon.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Analyze a directory's readiness for an audit run",
	Long: `Analyze a target directory before submitting an audit run.

Reports the file and language census, detected build manifests, git state,
and a readiness verdict with hints for anything an audit would stumble on.
Runs entirely locally; no daemon is needed.

Examples:
  # Analyze the current directory
  audit analyze

  # Analyze a specific path
  audit analyze /home/dev/projects/shop-backend

  # Output as JSON
  audit analyze --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	}

	report, err := project.Analyze(path)
	if err != nil {
		return err
	}

	if analyzeJSON {
		return outputJSON(report)
	}

	fmt.Printf("Target: %s\n", report.Path)
	fmt.Printf("Files: %d (%d source)\n", report.FileCount, report.SourceFiles())

	if len(report.Languages) > 0 {
		parts := make([]string, 0, len(report.Languages))
		for _, name := range report.TopLanguages() {
			parts = append(parts, fmt.Sprintf("%s %d", name, report.Languages[name]))
		}
		fmt.Printf("Languages: %s\n", strings.Join(parts, ", "))
	}
	if len(report.BuildMarkers) > 0 {
		fmt.Printf("Build markers: %s\n", strings.Join(report.BuildMarkers, ", "))
	}
	if report.Git != nil {
		state := "clean"
		if report.Git.Dirty {
			state = "dirty"
		}
		fmt.Printf("Git: %s @ %s (%s)\n", report.Git.Branch, report.Git.Commit, state)
	}

	if report.Ready {
		fmt.Println("Ready: yes")
	} else {
		fmt.Println("Ready: no")
	}
	for _, hint := range report.Hints {
		fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
	}

	return nil
}
