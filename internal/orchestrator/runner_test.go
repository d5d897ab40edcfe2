package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/bridge"
	"github.com/fyrsmithlabs/auditd/internal/config"
	"github.com/fyrsmithlabs/auditd/internal/credential"
)

func newRunnerFixture(t *testing.T, endpoints []config.EndpointConfig, bindings map[string]config.PhaseBinding) *BridgeRunner {
	t.Helper()

	registry := bridge.NewRegistry(endpoints)
	client, err := bridge.NewClient(registry, &credential.StaticProvider{}, config.BridgeDefaults{
		RequestsPerSecond: 1000,
		Burst:             1000,
	}, zap.NewNop())
	require.NoError(t, err)

	return NewBridgeRunner(client, registry, bindings, zap.NewNop())
}

func testEndpoint(name, baseURL string) config.EndpointConfig {
	return config.EndpointConfig{
		Name:        name,
		BaseAddress: baseURL,
		AuthMode:    "none",
		Timeout:     config.Duration(5 * time.Second),
	}
}

func TestBridgeRunner_ProbeFlagsUnreachableBridges(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tools":[]}`)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer broken.Close()

	runner := newRunnerFixture(t, []config.EndpointConfig{
		testEndpoint("healthy", healthy.URL),
		testEndpoint("broken", broken.URL),
	}, nil)

	run := AuditRun{ID: "run-1", Config: RunConfig{}}
	result, err := runner.Run(context.Background(), run, PhaseInitialization)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Findings, "bridge broken did not answer the capability probe")
}

func TestBridgeRunner_ProbeSkippedWithoutBridges(t *testing.T) {
	runner := NewBridgeRunner(nil, nil, nil, zap.NewNop())

	result, err := runner.Run(context.Background(), AuditRun{ID: "run-1"}, PhaseInitialization)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Contains(t, result.Findings, "no bridges configured, capability probe skipped")
}

func TestBridgeRunner_DryRunNeverTouchesTheNetwork(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"tools":[]}`)
	}))
	defer upstream.Close()

	runner := newRunnerFixture(t,
		[]config.EndpointConfig{testEndpoint("scanner", upstream.URL)},
		map[string]config.PhaseBinding{"EXECUTION": {Bridge: "scanner", Tool: "coverage"}},
	)

	run := AuditRun{
		ID:        "run-1",
		Iteration: 1,
		Config:    RunConfig{DryRun: true, CoverageThreshold: 0.8, Platforms: []string{"web"}},
	}

	for _, phase := range PhaseSequence(false) {
		result, err := runner.Run(context.Background(), run, phase)
		require.NoError(t, err, "phase %s", phase)
		assert.True(t, result.Success, "phase %s", phase)
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestBridgeRunner_BoundPhaseCallsTool(t *testing.T) {
	paramsCh := make(chan map[string]any, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tools/coverage":
			var body struct {
				Parameters map[string]any `json:"parameters"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				select {
				case paramsCh <- body.Parameters:
				default:
				}
			}
			fmt.Fprint(w, `{
				"metrics": {"delta_reduction": 0.6, "test_coverage": 0.91},
				"findings": ["120 of 131 scenarios exercised"]
			}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	runner := newRunnerFixture(t,
		[]config.EndpointConfig{testEndpoint("scanner", upstream.URL)},
		map[string]config.PhaseBinding{"EXECUTION": {Bridge: "scanner", Tool: "coverage"}},
	)

	run := AuditRun{
		ID:         "run-1",
		TargetPath: "/work/project",
		Iteration:  2,
		Config:     RunConfig{CoverageThreshold: 0.85, Platforms: []string{"ios", "web"}},
	}
	result, err := runner.Run(context.Background(), run, PhaseExecution)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 0.91, result.Metrics.TestCoverage)
	assert.Contains(t, result.Findings, "120 of 131 scenarios exercised")

	// The tool sees the run context.
	select {
	case gotParams := <-paramsCh:
		assert.Equal(t, "/work/project", gotParams["target_path"])
		assert.Equal(t, "EXECUTION", gotParams["phase"])
		assert.Equal(t, float64(2), gotParams["iteration"])
	default:
		t.Fatal("tool never received parameters")
	}
}

func TestBridgeRunner_MalformedToolPayloadFailsPhase(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not an outcome`)
	}))
	defer upstream.Close()

	runner := newRunnerFixture(t,
		[]config.EndpointConfig{testEndpoint("scanner", upstream.URL)},
		map[string]config.PhaseBinding{"EXECUTION": {Bridge: "scanner", Tool: "coverage"}},
	)

	_, err := runner.Run(context.Background(), AuditRun{ID: "run-1", Iteration: 1}, PhaseExecution)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unintelligible payload")
}

func TestBridgeRunner_UnboundPhaseIsSimulated(t *testing.T) {
	runner := newRunnerFixture(t,
		[]config.EndpointConfig{testEndpoint("scanner", "http://127.0.0.1:1")},
		nil,
	)

	run := AuditRun{ID: "run-1", Iteration: 1, Config: RunConfig{CoverageThreshold: 0.8}}
	result, err := runner.Run(context.Background(), run, PhaseResearch)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotZero(t, result.Metrics.DeltaReduction)
}

func TestNewBridgeRunner_IgnoresIncompleteBindings(t *testing.T) {
	runner := NewBridgeRunner(nil, nil, map[string]config.PhaseBinding{
		"EXECUTION": {Bridge: "scanner"},
		"RESEARCH":  {Tool: "drift"},
	}, zap.NewNop())

	assert.Empty(t, runner.bindings)
}

func TestSimulateOutcome_DeterministicDecay(t *testing.T) {
	run := AuditRun{Config: RunConfig{CoverageThreshold: 0.8}}

	first := simulateOutcome(PhaseReinforcementLoop, withIteration(run, 1))
	second := simulateOutcome(PhaseReinforcementLoop, withIteration(run, 2))
	third := simulateOutcome(PhaseReinforcementLoop, withIteration(run, 3))

	assert.Greater(t, first.Metrics.DeltaReduction, second.Metrics.DeltaReduction)
	assert.Greater(t, second.Metrics.DeltaReduction, third.Metrics.DeltaReduction)
	assert.Less(t, third.Metrics.DeltaReduction, 0.05, "the simulation stabilizes within three passes")

	// Same iteration, same outcome.
	assert.Equal(t, first, simulateOutcome(PhaseReinforcementLoop, withIteration(run, 1)))
}

func withIteration(run AuditRun, iteration int) AuditRun {
	run.Iteration = iteration
	return run
}
