package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/bridge"
	"github.com/fyrsmithlabs/auditd/internal/config"
	"github.com/fyrsmithlabs/auditd/internal/credential"
	"github.com/fyrsmithlabs/auditd/internal/events"
	"github.com/fyrsmithlabs/auditd/internal/governance"
)

// runnerFunc adapts a function to PhaseRunner for scripted tests.
type runnerFunc func(ctx context.Context, run AuditRun, phase Phase) (PhaseResult, error)

func (f runnerFunc) Run(ctx context.Context, run AuditRun, phase Phase) (PhaseResult, error) {
	return f(ctx, run, phase)
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxIterations:        5,
		DeltaThreshold:       0.05,
		ConvergenceWindow:    3,
		ConvergenceTolerance: 0.01,
		CoverageThreshold:    0.80,
		Platforms:            []string{"ios", "android", "web"},
	}
}

// newTestService wires a service over in-memory stores. A nil runner gets
// the simulated BridgeRunner, which passes every phase without a network.
func newTestService(t *testing.T, cfg config.OrchestratorConfig, runner PhaseRunner, publisher *events.Publisher) (*Service, *governance.Service) {
	t.Helper()

	govStore, err := governance.NewStore("", zap.NewNop())
	require.NoError(t, err)
	gov, err := governance.NewService(govStore, publisher, time.Minute, time.Minute, zap.NewNop())
	require.NoError(t, err)

	store, err := NewStore("", zap.NewNop())
	require.NoError(t, err)

	if runner == nil {
		runner = NewBridgeRunner(nil, nil, nil, zap.NewNop())
	}

	svc, err := NewService(cfg, store, runner, gov, publisher, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return svc, gov
}

func waitForStatus(t *testing.T, svc *Service, runID string, status RunStatus) AuditRun {
	t.Helper()

	var run AuditRun
	require.Eventually(t, func() bool {
		var err error
		run, err = svc.Get(runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, status)
	return run
}

func findingMessages(run AuditRun) []string {
	out := make([]string, 0, len(run.Findings))
	for _, f := range run.Findings {
		out = append(out, f.Message)
	}
	return out
}

func historyPhases(run AuditRun) []Phase {
	out := make([]Phase, 0, len(run.MetricsHistory))
	for _, point := range run.MetricsHistory {
		out = append(out, point.Phase)
	}
	return out
}

func TestService_DryRunCompletesFullSequence(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), nil, nil)

	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath: "/work/project",
		EnableRL:   true,
		DryRun:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, RunRunning, created.Status, "a submitted run is immediately queryable as RUNNING")

	run := waitForStatus(t, svc, created.ID, RunCompleted)

	assert.Equal(t, PhaseDocumentAndBind, run.Phase)
	assert.Equal(t, ReasonOptimized, run.ConvergenceReason)
	require.NotNil(t, run.CompletedAt)

	// The simulated reinforcement loop decays geometrically and stabilizes
	// on its third pass; everything before and after runs exactly once.
	assert.Equal(t, []Phase{
		PhaseInitialization,
		PhaseResearch,
		PhaseStructure,
		PhaseExecution,
		PhaseIntegrationValidation,
		PhaseReviewRecursion,
		PhaseReinforcementLoop,
		PhaseReinforcementLoop,
		PhaseReinforcementLoop,
		PhaseDocumentAndBind,
	}, historyPhases(run))
	assert.Equal(t, 3, run.Iteration)
}

func TestService_CoverageShortfallFailsRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tools":
			fmt.Fprint(w, `{"tools":[{"name":"coverage"}]}`)
		case "/v1/tools/coverage":
			fmt.Fprint(w, `{"metrics":{"delta_reduction":0.6,"test_coverage":0.65}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	registry := bridge.NewRegistry([]config.EndpointConfig{{
		Name:        "scanner",
		BaseAddress: upstream.URL,
		AuthMode:    "none",
		Timeout:     config.Duration(5 * time.Second),
	}})
	client, err := bridge.NewClient(registry, &credential.StaticProvider{}, config.BridgeDefaults{
		RequestsPerSecond: 1000,
		Burst:             1000,
	}, zap.NewNop())
	require.NoError(t, err)

	runner := NewBridgeRunner(client, registry, map[string]config.PhaseBinding{
		"EXECUTION": {Bridge: "scanner", Tool: "coverage"},
	}, zap.NewNop())

	svc, _ := newTestService(t, testConfig(), runner, nil)

	threshold := 0.90
	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath:        "/work/project",
		CoverageThreshold: &threshold,
	})
	require.NoError(t, err)

	run := waitForStatus(t, svc, created.ID, RunFailed)

	assert.Equal(t, PhaseExecution, run.Phase)
	messages := findingMessages(run)
	assert.Contains(t, messages, "test coverage 0.65 below required threshold 0.90")
	assert.Contains(t, messages, "phase EXECUTION did not meet its success criteria")
}

func TestService_ReinforcementConvergesOnDeltaTrend(t *testing.T) {
	deltas := []float64{0.5, 0.2, 0.04}
	runner := runnerFunc(func(_ context.Context, run AuditRun, phase Phase) (PhaseResult, error) {
		if phase != PhaseReinforcementLoop {
			return PhaseResult{Metrics: Metrics{TestCoverage: 0.95}, Success: true}, nil
		}
		idx := run.Iteration - 1
		if idx >= len(deltas) {
			idx = len(deltas) - 1
		}
		return PhaseResult{
			Metrics: Metrics{
				DeltaReduction:  deltas[idx],
				TestCoverage:    0.95,
				PerformanceGain: 0.1 * float64(run.Iteration),
			},
			Success: true,
		}, nil
	})

	svc, _ := newTestService(t, testConfig(), runner, nil)

	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath: "/work/project",
		EnableRL:   true,
	})
	require.NoError(t, err)

	run := waitForStatus(t, svc, created.ID, RunCompleted)

	assert.Equal(t, ReasonOptimized, run.ConvergenceReason)
	assert.Equal(t, 3, run.Iteration)
	assert.Equal(t, PhaseDocumentAndBind, run.Phase)
	assert.Contains(t, findingMessages(run), "reinforcement loop optimized after 3 iterations")
}

func TestService_ReinforcementStableMetricsStopEarly(t *testing.T) {
	flat := Metrics{DeltaReduction: 0.3, TestCoverage: 0.95}
	runner := runnerFunc(func(_ context.Context, _ AuditRun, phase Phase) (PhaseResult, error) {
		if phase != PhaseReinforcementLoop {
			return PhaseResult{Metrics: Metrics{TestCoverage: 0.95}, Success: true}, nil
		}
		return PhaseResult{Metrics: flat, Success: true}, nil
	})

	svc, _ := newTestService(t, testConfig(), runner, nil)

	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath: "/work/project",
		EnableRL:   true,
	})
	require.NoError(t, err)

	run := waitForStatus(t, svc, created.ID, RunCompleted)

	assert.Equal(t, ReasonMetricsStable, run.ConvergenceReason)
	assert.Equal(t, 2, run.Iteration, "identical consecutive metrics stop the loop on the second pass")
	assert.Contains(t, findingMessages(run),
		"reinforcement loop stabilized after 2 iterations, metrics unchanged")
}

func TestService_BudgetExhaustionArmsGovernanceOverride(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, run AuditRun, phase Phase) (PhaseResult, error) {
		if phase != PhaseReinforcementLoop {
			return PhaseResult{Metrics: Metrics{TestCoverage: 0.95}, Success: true}, nil
		}
		// Deltas stay high and keep changing, so only the budget stops it.
		return PhaseResult{
			Metrics: Metrics{
				DeltaReduction:  0.5 - 0.01*float64(run.Iteration),
				PerformanceGain: float64(run.Iteration),
			},
			Success: true,
		}, nil
	})

	cfg := testConfig()
	cfg.MaxIterations = 2
	svc, gov := newTestService(t, cfg, runner, nil)

	// No governance flag: the override gates the transition regardless.
	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath: "/work/project",
		EnableRL:   true,
	})
	require.NoError(t, err)

	run := waitForStatus(t, svc, created.ID, RunAwaitingGovernance)
	require.NotNil(t, run.Pending)
	assert.True(t, run.Pending.Override)
	assert.Equal(t, PhaseReinforcementLoop, run.Phase)
	assert.Equal(t, ReasonIterationBudget, run.ConvergenceReason)
	assert.Contains(t, findingMessages(run),
		"reinforcement loop exhausted its 2-iteration budget without optimizing")

	pending, found := gov.PendingForRun(created.ID)
	require.True(t, found)
	assert.Contains(t, pending.RiskSummary, "gave up before optimizing")

	_, err = gov.Decide(context.Background(), pending.ID, true, "ship it anyway")
	require.NoError(t, err)

	run = waitForStatus(t, svc, created.ID, RunCompleted)
	assert.Equal(t, PhaseDocumentAndBind, run.Phase)
	assert.Equal(t, ReasonIterationBudget, run.ConvergenceReason)
}

func TestService_GovernanceDenyFailsRun(t *testing.T) {
	svc, gov := newTestService(t, testConfig(), nil, nil)

	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath:         "/work/project",
		GovernanceRequired: true,
	})
	require.NoError(t, err)

	run := waitForStatus(t, svc, created.ID, RunAwaitingGovernance)
	require.NotNil(t, run.Pending)
	assert.Equal(t, PhaseDocumentAndBind, run.Pending.NextPhase)
	assert.False(t, run.Pending.Override)

	pending, found := gov.PendingForRun(created.ID)
	require.True(t, found)

	_, err = gov.Decide(context.Background(), pending.ID, false, "too risky near release")
	require.NoError(t, err)

	run = waitForStatus(t, svc, created.ID, RunFailed)
	assert.Nil(t, run.Pending)
	assert.Contains(t, findingMessages(run),
		"governance denied the transition: too risky near release")

	// Deciding again conflicts and the run stays failed.
	_, err = gov.Decide(context.Background(), pending.ID, true, "")
	require.ErrorIs(t, err, governance.ErrAlreadyDecided)
	run, err = svc.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
}

func TestService_GovernanceApproveResumesRun(t *testing.T) {
	svc, gov := newTestService(t, testConfig(), nil, nil)

	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath:         "/work/project",
		GovernanceRequired: true,
	})
	require.NoError(t, err)

	waitForStatus(t, svc, created.ID, RunAwaitingGovernance)

	pending, found := gov.PendingForRun(created.ID)
	require.True(t, found)

	_, err = gov.Decide(context.Background(), pending.ID, true, "reviewed the binding plan")
	require.NoError(t, err)

	run := waitForStatus(t, svc, created.ID, RunCompleted)
	assert.Equal(t, PhaseDocumentAndBind, run.Phase)
	assert.Nil(t, run.Pending)
	assert.Contains(t, findingMessages(run),
		"governance approved the transition: reviewed the binding plan")
}

func TestService_CancelStopsAtPhaseBoundary(t *testing.T) {
	gate := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ AuditRun, _ Phase) (PhaseResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return PhaseResult{Metrics: Metrics{TestCoverage: 0.95}, Success: true}, nil
	})

	svc, _ := newTestService(t, testConfig(), runner, nil)

	created, err := svc.Start(context.Background(), StartRequest{TargetPath: "/work/project"})
	require.NoError(t, err)

	run, err := svc.Cancel(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, run.CancelRequested)
	assert.NotEqual(t, RunCancelled, run.Status, "a running phase is never interrupted mid-flight")

	close(gate)
	run = waitForStatus(t, svc, created.ID, RunCancelled)
	assert.Contains(t, findingMessages(run), "cancelled by operator request")

	// Terminal runs reject further cancellation.
	_, err = svc.Cancel(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrTerminal)
}

func TestService_CancelWhileAwaitingGovernance(t *testing.T) {
	svc, gov := newTestService(t, testConfig(), nil, nil)

	created, err := svc.Start(context.Background(), StartRequest{
		TargetPath:         "/work/project",
		GovernanceRequired: true,
	})
	require.NoError(t, err)

	waitForStatus(t, svc, created.ID, RunAwaitingGovernance)
	pending, found := gov.PendingForRun(created.ID)
	require.True(t, found)

	// A suspended run is already at a boundary, so it cancels immediately.
	run, err := svc.Cancel(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, run.Status)

	// A late decision still resolves the request, but the run stays
	// cancelled.
	decided, err := gov.Decide(context.Background(), pending.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, governance.DecisionApproved, decided.Decision)

	run, err = svc.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, run.Status)
}

func TestService_StartValidation(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), nil, nil)

	badCoverage := 1.2
	tests := []struct {
		name string
		req  StartRequest
	}{
		{"empty target path", StartRequest{}},
		{"blank target path", StartRequest{TargetPath: "   "}},
		{"coverage above one", StartRequest{TargetPath: "/p", CoverageThreshold: &badCoverage}},
		{"unknown platform", StartRequest{TargetPath: "/p", Platforms: []string{"mainframe"}}},
		{"negative iterations", StartRequest{TargetPath: "/p", MaxIterations: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}

	// Rejected submissions never create a run.
	assert.Empty(t, svc.List())
}

func TestService_StartAppliesDefaults(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), nil, nil)

	created, err := svc.Start(context.Background(), StartRequest{TargetPath: "/work/project", DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 5, created.Config.MaxIterations)
	assert.Equal(t, 0.80, created.Config.CoverageThreshold)
	assert.Equal(t, []string{"ios", "android", "web"}, created.Config.Platforms)
}

func TestService_GetUnknownRun(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), nil, nil)

	_, err := svc.Get("no-such-run")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_RecoverInterrupted(t *testing.T) {
	store, err := NewStore("", zap.NewNop())
	require.NoError(t, err)

	store.Put(AuditRun{ID: "was-running", Status: RunRunning, Phase: PhaseExecution, CreatedAt: time.Now()})
	store.Put(AuditRun{ID: "was-pending", Status: RunPending, Phase: PhaseInitialization, CreatedAt: time.Now()})
	store.Put(AuditRun{ID: "suspended", Status: RunAwaitingGovernance, Phase: PhaseReviewRecursion, CreatedAt: time.Now()})
	store.Put(AuditRun{ID: "done", Status: RunCompleted, Phase: PhaseDocumentAndBind, CreatedAt: time.Now()})

	govStore, err := governance.NewStore("", zap.NewNop())
	require.NoError(t, err)
	gov, err := governance.NewService(govStore, nil, time.Minute, time.Minute, zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(testConfig(), store, NewBridgeRunner(nil, nil, nil, zap.NewNop()), gov, nil, zap.NewNop())
	require.NoError(t, err)

	recovered := svc.RecoverInterrupted(context.Background())
	assert.Equal(t, 2, recovered)

	run, err := svc.Get("was-running")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, findingMessages(run), "interrupted by daemon shutdown before completing")

	run, err = svc.Get("was-pending")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)

	// Suspended runs keep waiting; their pending request is still the way
	// back in after a restart.
	run, err = svc.Get("suspended")
	require.NoError(t, err)
	assert.Equal(t, RunAwaitingGovernance, run.Status)

	run, err = svc.Get("done")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
}

func TestService_PublishesLifecycleEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe("audits.run.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	svc, _ := newTestService(t, testConfig(), nil, events.NewWithConn(nc, nil))

	created, err := svc.Start(context.Background(), StartRequest{TargetPath: "/work/project", DryRun: true})
	require.NoError(t, err)
	waitForStatus(t, svc, created.ID, RunCompleted)

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !seen["completed"] {
		select {
		case msg := <-msgs:
			assert.Contains(t, msg.Subject, created.ID)
			seen[msg.Subject[len("audits.run."+created.ID+"."):]] = true
		case <-deadline:
			t.Fatalf("timeout waiting for completion event, saw %v", seen)
		}
	}
	assert.True(t, seen["created"])
	assert.True(t, seen["phase_completed"])
}

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random port
		NoLog:  true,
		NoSigs: true,
	}

	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	return srv
}
