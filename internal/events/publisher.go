// Package events publishes audit lifecycle events to NATS.
//
// Events are published to subjects:
//   - audits.run.{run_id}.{event}
//   - audits.op.{operation_id}.{event}
//   - audits.governance.{request_id}.{event}
//
// Publishing is best-effort. A failed or disabled broker never blocks or
// fails the operation that emitted the event.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditd/internal/config"
)

// Publisher emits lifecycle events. The zero value and a disabled Publisher
// are safe no-ops.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect establishes the NATS connection described by cfg. When events are
// disabled it returns a no-op Publisher and no error.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return &Publisher{logger: logger}, nil
	}

	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return &Publisher{nc: nc, logger: logger}, nil
}

// NewWithConn wraps an existing connection, for tests and embedding.
func NewWithConn(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger}
}

// Run publishes a run lifecycle event for the given run ID.
func (p *Publisher) Run(runID, event string, payload any) {
	p.publish(fmt.Sprintf("audits.run.%s.%s", runID, event), payload)
}

// Operation publishes an operation lifecycle event.
func (p *Publisher) Operation(opID, event string, payload any) {
	p.publish(fmt.Sprintf("audits.op.%s.%s", opID, event), payload)
}

// Governance publishes a governance request lifecycle event.
func (p *Publisher) Governance(requestID, event string, payload any) {
	p.publish(fmt.Sprintf("audits.governance.%s.%s", requestID, event), payload)
}

func (p *Publisher) publish(subject string, payload any) {
	if p == nil || p.nc == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("event payload marshal failed",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Connected reports whether a live broker connection exists.
func (p *Publisher) Connected() bool {
	return p != nil && p.nc != nil && p.nc.IsConnected()
}

// Close drains the connection. Safe on a no-op Publisher.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
}
