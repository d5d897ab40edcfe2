package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var opJSON bool

func init() {
	rootCmd.AddCommand(opCmd)
	opCmd.Flags().BoolVar(&opJSON, "json", false, "Output results as JSON")
}

var opCmd = &cobra.Command{
	Use:   "op <operation-id>",
	Short: "Show the state of an asynchronous operation",
	Long: `Show the state of an operation started with
"audit bridges exec --async".

Examples:
  audit op 9c41d2aa-7e55-4f10-b3c2-d6a8e1f0b234`,
	Args: cobra.ExactArgs(1),
	RunE: runOp,
}

func runOp(cmd *cobra.Command, args []string) error {
	var op Operation
	if err := apiGet("/operations/"+args[0], &op); err != nil {
		return err
	}

	if opJSON {
		return outputJSON(op)
	}

	fmt.Printf("Operation: %s\n", op.ID)
	fmt.Printf("Bridge: %s\n", op.Bridge)
	fmt.Printf("Tool: %s\n", op.Tool)
	fmt.Printf("Status: %s\n", op.Status)
	if op.Error != "" {
		fmt.Printf("Error: %s\n", op.Error)
	}
	if op.Result != nil {
		fmt.Printf("Attempt: %d\n", op.Result.Attempt)
		fmt.Printf("Elapsed: %s\n", op.Result.Elapsed)
		if len(op.Result.Payload) > 0 {
			fmt.Println(string(op.Result.Payload))
		}
	}

	return nil
}
