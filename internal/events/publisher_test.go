package events

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func TestPublisher_Run(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("audits.run.run-1.completed", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewWithConn(nc, nil)
	pub.Run("run-1", "completed", map[string]string{"status": "COMPLETED"})

	select {
	case msg := <-msgs:
		assert.Equal(t, "audits.run.run-1.completed", msg.Subject)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &payload))
		assert.Equal(t, "COMPLETED", payload["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for run event")
	}
}

func TestPublisher_GovernanceSubject(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("audits.governance.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	pub := NewWithConn(nc, nil)
	pub.Governance("req-9", "escalated", map[string]any{"run_id": "run-1"})

	select {
	case msg := <-msgs:
		assert.Equal(t, "audits.governance.req-9.escalated", msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for governance event")
	}
}

func TestPublisher_DisabledIsNoOp(t *testing.T) {
	pub := &Publisher{}

	assert.NotPanics(t, func() {
		pub.Run("run-1", "created", nil)
		pub.Operation("op-1", "completed", nil)
		pub.Governance("req-1", "submitted", nil)
		pub.Close()
	})
	assert.False(t, pub.Connected())
}

func TestPublisher_UnmarshalablePayloadDropped(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	pub := NewWithConn(nc, nil)

	// Channels cannot be marshaled; the event is dropped, not fatal.
	assert.NotPanics(t, func() {
		pub.Operation("op-1", "started", map[string]any{"ch": make(chan int)})
	})
}
