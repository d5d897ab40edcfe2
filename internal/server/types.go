package server

import (
	"time"

	"github.com/labstack/echo/v4"
)

// Envelope is the uniform response shape of every API endpoint. Failures
// carry Error; successes carry Data.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// respond writes a success envelope.
func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// respondError writes a failure envelope.
func respondError(c echo.Context, status int, err error) error {
	return c.JSON(status, Envelope{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

// StartRunRequest is the body of POST /audits.
type StartRunRequest struct {
	TargetPath         string   `json:"target_path"`
	MaxIterations      int      `json:"max_iterations,omitempty"`
	Platforms          []string `json:"platforms,omitempty"`
	CoverageThreshold  *float64 `json:"coverage_threshold,omitempty"`
	EnableRL           bool     `json:"enable_rl,omitempty"`
	GovernanceRequired bool     `json:"governance_required,omitempty"`
	DryRun             bool     `json:"dry_run,omitempty"`
}

// DecideRequest is the body of POST /governance/{id} and
// POST /audits/{id}/governance.
type DecideRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// ExecuteRequest is the body of POST /bridges/{name}/execute. Async calls
// return an operation to poll instead of blocking on the tool.
type ExecuteRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Async      bool           `json:"async,omitempty"`
}

// BridgeInfo is the redacted endpoint view returned by GET /bridges.
// Credential references stay server-side.
type BridgeInfo struct {
	Name        string `json:"name"`
	BaseAddress string `json:"base_address"`
	AuthMode    string `json:"auth_mode"`
	Timeout     string `json:"timeout"`
	MaxRetries  int    `json:"max_retries"`
}

// HealthResponse is the body of GET /healthz and GET /readyz.
type HealthResponse struct {
	Status  string `json:"status"`
	Bridges int    `json:"bridges"`
	Events  bool   `json:"events_connected"`
}
