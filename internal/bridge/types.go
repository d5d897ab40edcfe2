package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownBridge indicates the named endpoint is not registered.
var ErrUnknownBridge = errors.New("unknown bridge")

// ErrAuthentication indicates the endpoint rejected or the provider could
// not supply credentials. Never retried.
var ErrAuthentication = errors.New("authentication failed")

// ToolDefinition describes one invocable tool on a bridge endpoint.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ExecutionResult is the outcome of one tool invocation, success or not.
type ExecutionResult struct {
	Success bool `json:"success"`

	// Payload holds the tool's response body on success.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error holds the failure description when Success is false.
	Error string `json:"error,omitempty"`

	// Attempt is the 1-indexed attempt that produced this result.
	Attempt int `json:"attempt"`

	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// ExecError carries invocation context on a failed bridge call.
type ExecError struct {
	Bridge  string
	Tool    string
	Attempt int
	Err     error
}

func (e *ExecError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("bridge %s (attempt %d): %v", e.Bridge, e.Attempt, e.Err)
	}
	return fmt.Sprintf("bridge %s tool %s (attempt %d): %v", e.Bridge, e.Tool, e.Attempt, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// toolsResponse is the wire shape of a capability-listing call.
type toolsResponse struct {
	Tools []ToolDefinition `json:"tools"`
}

// executeRequest is the wire shape of a tool invocation.
type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// errorResponse is the wire shape endpoints use for failures.
type errorResponse struct {
	Error string `json:"error"`
}
