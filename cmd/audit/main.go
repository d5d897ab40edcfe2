// Package main implements the audit CLI for operating the auditd HTTP API.
package main

import (
	"errors"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the auditd HTTP API
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to the documented codes: 2 for an unknown id or an
// already-decided governance request, 1 for everything else.
func exitCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusConflict {
			return 2
		}
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "audit",
	Short: "CLI for auditd audit orchestration",
	Long: `audit is a command-line interface for the auditd daemon.
It analyzes audit targets, submits and tracks audit runs, resolves
governance requests, and inspects bridge endpoints.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "auditd server URL")
}

// defaultServerURL honors AUDITD_ADDR so scripts can point every command at
// one daemon without repeating --server.
func defaultServerURL() string {
	if addr := os.Getenv("AUDITD_ADDR"); addr != "" {
		return addr
	}
	return "http://127.0.0.1:8820"
}
