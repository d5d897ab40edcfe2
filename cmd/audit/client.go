package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// httpTimeout bounds every CLI request. Synchronous tool execution can
// legitimately take a while, so this stays generous.
const httpTimeout = 60 * time.Second

// Envelope matches internal/server/types.go Envelope.
type Envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// apiError is a failure reply from the daemon. Status selects the exit code.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// apiGet fetches path and decodes the envelope's data into out.
func apiGet(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return apiDo(req, out)
}

// apiPost sends body as JSON to path and decodes the envelope's data into
// out. A nil body sends an empty request.
func apiPost(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return apiDo(req, out)
}

func apiDo(req *http.Request, out any) error {
	client := &http.Client{Timeout: httpTimeout}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if !envelope.Success {
		return &apiError{Status: resp.StatusCode, Message: envelope.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Metrics matches internal/orchestrator/types.go Metrics.
type Metrics struct {
	DeltaReduction      float64 `json:"delta_reduction"`
	TestCoverage        float64 `json:"test_coverage"`
	CrossPlatformParity float64 `json:"cross_platform_parity"`
	SecurityScore       float64 `json:"security_score"`
	PerformanceGain     float64 `json:"performance_gain"`
	UXScore             float64 `json:"ux_score"`
}

// MetricsPoint matches internal/orchestrator/types.go MetricsPoint.
type MetricsPoint struct {
	Phase      string    `json:"phase"`
	Iteration  int       `json:"iteration"`
	Metrics    Metrics   `json:"metrics"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Finding matches internal/orchestrator/types.go Finding.
type Finding struct {
	Phase      string    `json:"phase"`
	Iteration  int       `json:"iteration,omitempty"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RunConfig matches internal/orchestrator/types.go RunConfig.
type RunConfig struct {
	MaxIterations      int      `json:"max_iterations"`
	Platforms          []string `json:"platforms"`
	CoverageThreshold  float64  `json:"coverage_threshold"`
	EnableRL           bool     `json:"enable_rl"`
	GovernanceRequired bool     `json:"governance_required"`
	DryRun             bool     `json:"dry_run"`
}

// PendingTransition matches internal/orchestrator/types.go PendingTransition.
type PendingTransition struct {
	RequestID string `json:"request_id"`
	NextPhase string `json:"next_phase"`
	Override  bool   `json:"override,omitempty"`
}

// AuditRun matches internal/orchestrator/types.go AuditRun.
type AuditRun struct {
	ID         string    `json:"id"`
	TargetPath string    `json:"target_path"`
	Config     RunConfig `json:"config"`

	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	Status    string `json:"status"`

	MetricsHistory []MetricsPoint `json:"metrics_history,omitempty"`
	Findings       []Finding      `json:"findings,omitempty"`

	ConvergenceReason string             `json:"convergence_reason,omitempty"`
	Pending           *PendingTransition `json:"pending_transition,omitempty"`
	CancelRequested   bool               `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GovernanceRequest matches internal/governance/governance.go Request.
type GovernanceRequest struct {
	ID                 string     `json:"id"`
	AuditRunID         string     `json:"audit_run_id"`
	ProposedTransition string     `json:"proposed_transition"`
	RiskSummary        string     `json:"risk_summary"`
	Decision           string     `json:"decision"`
	Comment            string     `json:"comment,omitempty"`
	Escalated          bool       `json:"escalated,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
}

// ExecutionResult matches internal/bridge/types.go ExecutionResult.
type ExecutionResult struct {
	Success   bool            `json:"success"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempt   int             `json:"attempt"`
	Elapsed   time.Duration   `json:"elapsed"`
	Timestamp time.Time       `json:"timestamp"`
}

// Operation matches internal/operation/tracker.go Operation.
type Operation struct {
	ID         string           `json:"id"`
	Bridge     string           `json:"bridge"`
	Tool       string           `json:"tool"`
	Status     string           `json:"status"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// BridgeInfo matches internal/server/types.go BridgeInfo.
type BridgeInfo struct {
	Name        string `json:"name"`
	BaseAddress string `json:"base_address"`
	AuthMode    string `json:"auth_mode"`
	Timeout     string `json:"timeout"`
	MaxRetries  int    `json:"max_retries"`
}

// ToolDefinition matches internal/bridge/types.go ToolDefinition.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Output helpers shared by the commands.

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// runDuration renders how long a run has been (or was) active.
func runDuration(run AuditRun) string {
	end := time.Now()
	if run.CompletedAt != nil {
		end = *run.CompletedAt
	}
	return end.Sub(run.CreatedAt).Round(time.Second).String()
}
