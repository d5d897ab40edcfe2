// Package operation tracks asynchronous bridge tool invocations.
//
// An Operation is created PENDING, transitions to RUNNING when its
// background execution starts, and lands in COMPLETED or FAILED. Terminal
// states are immutable. Status reads are non-blocking snapshots.
package operation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/bridge"
	"github.com/fyrsmithlabs/auditd/internal/events"
)

const instrumentationName = "github.com/fyrsmithlabs/auditd/internal/operation"

// ErrNotFound indicates the operation ID is unknown (or already cleaned up).
var ErrNotFound = errors.New("operation not found")

// Operation statuses.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Operation is one tracked tool invocation.
type Operation struct {
	ID         string                  `json:"id"`
	Bridge     string                  `json:"bridge"`
	Tool       string                  `json:"tool"`
	Status     string                  `json:"status"`
	Parameters map[string]any          `json:"parameters,omitempty"`
	Result     *bridge.ExecutionResult `json:"result,omitempty"`
	Error      string                  `json:"error,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// trackedOp guards one operation record. Transitions take the per-op lock
// so a terminal state can never be overwritten.
type trackedOp struct {
	mu sync.Mutex
	op Operation
}

// Tracker runs tool invocations in the background and answers status
// queries about them.
type Tracker struct {
	client    bridge.Client
	events    *events.Publisher
	logger    *zap.Logger
	retention time.Duration

	tracer     trace.Tracer
	meter      metric.Meter
	opsCounter metric.Int64Counter

	ops sync.Map // operation_id -> *trackedOp
}

// NewTracker creates a Tracker. Terminal operations are dropped from the
// registry after retention; zero keeps them forever.
func NewTracker(client bridge.Client, publisher *events.Publisher, retention time.Duration, logger *zap.Logger) (*Tracker, error) {
	if client == nil {
		return nil, errors.New("bridge client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		client:    client,
		events:    publisher,
		logger:    logger,
		retention: retention,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	t.initMetrics()

	return t, nil
}

func (t *Tracker) initMetrics() {
	var err error
	t.opsCounter, err = t.meter.Int64Counter(
		"auditd.operations_total",
		metric.WithDescription("Operations by terminal status"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		t.logger.Warn("failed to create operations counter", zap.Error(err))
	}
}

// StartAsync creates a PENDING operation, returns it immediately, and
// executes the tool in the background. The background call is detached
// from the caller's cancellation but keeps its trace context.
func (t *Tracker) StartAsync(ctx context.Context, bridgeName, tool string, parameters map[string]any) Operation {
	now := time.Now()
	op := Operation{
		ID:         uuid.New().String(),
		Bridge:     bridgeName,
		Tool:       tool,
		Status:     StatusPending,
		Parameters: parameters,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tracked := &trackedOp{op: op}
	t.ops.Store(op.ID, tracked)
	t.events.Operation(op.ID, "created", op)

	go t.run(context.WithoutCancel(ctx), tracked)

	return op
}

func (t *Tracker) run(ctx context.Context, tracked *trackedOp) {
	tracked.mu.Lock()
	opID := tracked.op.ID
	bridgeName := tracked.op.Bridge
	tool := tracked.op.Tool
	params := tracked.op.Parameters
	tracked.mu.Unlock()

	ctx, span := t.tracer.Start(ctx, "operation.run",
		trace.WithAttributes(
			attribute.String("operation.id", opID),
			attribute.String("bridge.name", bridgeName),
			attribute.String("bridge.tool", tool),
		))
	defer span.End()

	t.transition(ctx, tracked, StatusRunning, nil, "")

	result, err := t.client.Execute(ctx, bridgeName, tool, params)
	if err != nil {
		span.RecordError(err)
		t.transition(ctx, tracked, StatusFailed, &result, err.Error())
	} else {
		t.transition(ctx, tracked, StatusCompleted, &result, "")
	}

	if t.retention > 0 {
		go t.scheduleCleanup(opID, t.retention)
	}
}

// transition applies a status change unless the operation is already
// terminal, then publishes the matching event.
func (t *Tracker) transition(ctx context.Context, tracked *trackedOp, status string, result *bridge.ExecutionResult, errMsg string) {
	tracked.mu.Lock()
	if IsTerminal(tracked.op.Status) {
		tracked.mu.Unlock()
		return
	}
	tracked.op.Status = status
	tracked.op.UpdatedAt = time.Now()
	if result != nil {
		tracked.op.Result = result
	}
	tracked.op.Error = errMsg
	snapshot := tracked.op
	tracked.mu.Unlock()

	t.events.Operation(snapshot.ID, eventName(status), snapshot)

	if IsTerminal(status) && t.opsCounter != nil {
		t.opsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("bridge", snapshot.Bridge),
			attribute.String("status", status),
		))
	}
}

func eventName(status string) string {
	switch status {
	case StatusRunning:
		return "started"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "updated"
	}
}

// GetStatus returns a point-in-time snapshot. Never blocks on a running
// execution.
func (t *Tracker) GetStatus(opID string) (Operation, error) {
	value, ok := t.ops.Load(opID)
	if !ok {
		return Operation{}, ErrNotFound
	}

	tracked := value.(*trackedOp)
	tracked.mu.Lock()
	defer tracked.mu.Unlock()
	return tracked.op, nil
}

// List returns snapshots of all tracked operations, newest first.
func (t *Tracker) List() []Operation {
	var out []Operation
	t.ops.Range(func(_, value any) bool {
		tracked := value.(*trackedOp)
		tracked.mu.Lock()
		out = append(out, tracked.op)
		tracked.mu.Unlock()
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// scheduleCleanup removes a terminal operation after the retention window.
// Keeps the in-memory registry from growing unbounded.
func (t *Tracker) scheduleCleanup(opID string, ttl time.Duration) {
	time.Sleep(ttl)
	t.ops.Delete(opID)
}
