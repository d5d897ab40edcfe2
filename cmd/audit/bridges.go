package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	// bridges command flags
	bridgeParams []string
	bridgeAsync  bool
	bridgeJSON   bool
)

func init() {
	rootCmd.AddCommand(bridgesCmd)
	bridgesCmd.AddCommand(bridgesListCmd)
	bridgesCmd.AddCommand(bridgesToolsCmd)
	bridgesCmd.AddCommand(bridgesExecCmd)

	bridgesCmd.PersistentFlags().BoolVar(&bridgeJSON, "json", false, "Output results as JSON")

	bridgesExecCmd.Flags().StringArrayVar(&bridgeParams, "param", nil, "Tool parameter as key=value (repeatable)")
	bridgesExecCmd.Flags().BoolVar(&bridgeAsync, "async", false, "Return an operation to poll instead of waiting")
}

var bridgesCmd = &cobra.Command{
	Use:   "bridges",
	Short: "Inspect and invoke bridge endpoints",
	Long: `Inspect configured bridge endpoints, list their tools, and invoke
tools directly.

Examples:
  # List configured bridges
  audit bridges list

  # List the tools a bridge offers
  audit bridges tools scanner

  # Invoke a tool and wait for the result
  audit bridges exec scanner run-checks --param suite=security

  # Invoke a slow tool asynchronously
  audit bridges exec scanner run-checks --async`,
}

var bridgesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured bridge endpoints",
	RunE:  runBridgesList,
}

var bridgesToolsCmd = &cobra.Command{
	Use:   "tools <bridge>",
	Short: "List the tools a bridge endpoint offers",
	Args:  cobra.ExactArgs(1),
	RunE:  runBridgesTools,
}

var bridgesExecCmd = &cobra.Command{
	Use:   "exec <bridge> <tool>",
	Short: "Invoke a tool on a bridge endpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runBridgesExec,
}

// ExecuteRequest matches internal/server/types.go ExecuteRequest.
type ExecuteRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Async      bool           `json:"async,omitempty"`
}

func runBridgesList(cmd *cobra.Command, args []string) error {
	var bridges []BridgeInfo
	if err := apiGet("/bridges", &bridges); err != nil {
		return err
	}

	if bridgeJSON {
		return outputJSON(bridges)
	}

	if len(bridges) == 0 {
		fmt.Println("No bridges configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tAUTH\tTIMEOUT\tRETRIES")
	for _, b := range bridges {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			b.Name, b.BaseAddress, b.AuthMode, b.Timeout, b.MaxRetries)
	}
	w.Flush()

	return nil
}

func runBridgesTools(cmd *cobra.Command, args []string) error {
	var tools []ToolDefinition
	if err := apiGet("/bridges/"+args[0]+"/tools", &tools); err != nil {
		return err
	}

	if bridgeJSON {
		return outputJSON(tools)
	}

	if len(tools) == 0 {
		fmt.Printf("Bridge %s offers no tools\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, truncate(tool.Description, 60))
	}
	w.Flush()

	return nil
}

func runBridgesExec(cmd *cobra.Command, args []string) error {
	params, err := parseParams(bridgeParams)
	if err != nil {
		return err
	}

	req := ExecuteRequest{
		Tool:       args[1],
		Parameters: params,
		Async:      bridgeAsync,
	}
	path := "/bridges/" + args[0] + "/execute"

	if bridgeAsync {
		var op Operation
		if err := apiPost(path, req, &op); err != nil {
			return err
		}
		if bridgeJSON {
			return outputJSON(op)
		}
		fmt.Printf("Operation started\n")
		fmt.Printf("ID: %s\n", op.ID)
		fmt.Printf("\nPoll it with: audit op %s\n", op.ID)
		return nil
	}

	var result ExecutionResult
	if err := apiPost(path, req, &result); err != nil {
		return err
	}
	if bridgeJSON {
		return outputJSON(result)
	}

	if result.Success {
		fmt.Printf("Tool succeeded (attempt %d, %s)\n", result.Attempt, result.Elapsed)
	} else {
		fmt.Printf("Tool failed (attempt %d): %s\n", result.Attempt, result.Error)
	}
	if len(result.Payload) > 0 {
		fmt.Println(string(result.Payload))
	}

	return nil
}

// parseParams turns repeated key=value flags into tool parameters. Values
// that read as numbers or booleans are sent typed.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --param %q (expected key=value)", pair)
		}
		params[key] = paramValue(value)
	}
	return params, nil
}

func paramValue(raw string) any {
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
