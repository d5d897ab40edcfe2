package governance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/events"
)

func newTestService(t *testing.T, window, checkInterval time.Duration, publisher *events.Publisher) *Service {
	t.Helper()

	store, err := NewStore("", zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(store, publisher, window, checkInterval, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestService_SubmitAndDecide(t *testing.T) {
	svc := newTestService(t, time.Minute, time.Minute, nil)

	var handled atomic.Int32
	var handledReq Request
	svc.SetDecisionHandler(func(_ context.Context, req Request) {
		handled.Add(1)
		handledReq = req
	})

	transition := Transition{
		RunID:              "run-1",
		From:               "REVIEW_RECURSION",
		To:                 "DOCUMENT_AND_BIND",
		GovernanceRequired: true,
	}
	req, err := svc.Submit(context.Background(), transition, "3 findings recorded so far")
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, req.Decision)
	assert.Equal(t, "run-1", req.AuditRunID)
	assert.Equal(t, "REVIEW_RECURSION -> DOCUMENT_AND_BIND", req.ProposedTransition)

	pending, found := svc.PendingForRun("run-1")
	require.True(t, found)
	assert.Equal(t, req.ID, pending.ID)

	decided, err := svc.Decide(context.Background(), req.ID, true, "approved")
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decided.Decision)

	// The handler ran before Decide returned.
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, req.ID, handledReq.ID)
	assert.Equal(t, DecisionApproved, handledReq.Decision)

	_, found = svc.PendingForRun("run-1")
	assert.False(t, found)
}

func TestService_DecideTwiceConflicts(t *testing.T) {
	svc := newTestService(t, time.Minute, time.Minute, nil)

	var handled atomic.Int32
	svc.SetDecisionHandler(func(_ context.Context, _ Request) {
		handled.Add(1)
	})

	req, err := svc.Submit(context.Background(), Transition{RunID: "run-1", From: "A", To: "B"}, "")
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), req.ID, false, "too risky")
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), req.ID, true, "second thoughts")
	require.ErrorIs(t, err, ErrAlreadyDecided)

	// The conflicting second decision never reaches the handler.
	assert.Equal(t, int32(1), handled.Load())
}

func TestService_DecideUnknownRequest(t *testing.T) {
	svc := newTestService(t, time.Minute, time.Minute, nil)

	_, err := svc.Decide(context.Background(), "no-such-request", true, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_SubmitSecondPendingFails(t *testing.T) {
	svc := newTestService(t, time.Minute, time.Minute, nil)

	first, err := svc.Submit(context.Background(), Transition{RunID: "run-1", From: "A", To: "B"}, "")
	require.NoError(t, err)

	duplicate, err := svc.Submit(context.Background(), Transition{RunID: "run-1", From: "B", To: "C"}, "")
	require.ErrorIs(t, err, ErrPendingExists)
	assert.Equal(t, first.ID, duplicate.ID, "the existing pending request is returned")

	// A different run is unaffected.
	_, err = svc.Submit(context.Background(), Transition{RunID: "run-2", From: "A", To: "B"}, "")
	require.NoError(t, err)
}

func TestService_ClassifierReplaceable(t *testing.T) {
	svc := newTestService(t, time.Minute, time.Minute, nil)

	ordinary := Transition{RunID: "run-1", From: "RESEARCH", To: "STRUCTURE"}
	assert.False(t, svc.RequiresApproval(ordinary))

	svc.SetClassifier(func(Transition) bool { return true })
	assert.True(t, svc.RequiresApproval(ordinary))

	// nil restores the default policy.
	svc.SetClassifier(nil)
	assert.False(t, svc.RequiresApproval(ordinary))
	assert.True(t, svc.RequiresApproval(Transition{
		RunID: "run-1", From: "REVIEW_RECURSION", To: "DOCUMENT_AND_BIND", GovernanceRequired: true,
	}))
}

func TestService_EscalationFlagsOnceNeverResolves(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 8)
	sub, err := nc.ChanSubscribe("audits.governance.*.escalated", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	svc := newTestService(t, 20*time.Millisecond, 10*time.Millisecond, events.NewWithConn(nc, nil))

	req, err := svc.Submit(context.Background(), Transition{RunID: "run-1", From: "A", To: "B"}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.WatchEscalations(ctx)

	require.Eventually(t, func() bool {
		got, err := svc.Get(req.ID)
		return err == nil && got.Escalated
	}, 2*time.Second, 10*time.Millisecond, "request never escalated")

	// Escalation is observability only: the request stays pending and
	// decidable.
	got, err := svc.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, got.Decision)

	select {
	case msg := <-msgs:
		assert.Equal(t, "audits.governance."+req.ID+".escalated", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for escalation event")
	}

	// The watcher keeps scanning but flags each request exactly once.
	time.Sleep(50 * time.Millisecond)
	select {
	case msg := <-msgs:
		t.Fatalf("request escalated twice: %s", msg.Subject)
	default:
	}

	decided, err := svc.Decide(context.Background(), req.ID, true, "late but valid")
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decided.Decision)
}

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}
