// Package audit publishes security-relevant pipeline events onto an internal
// NATS bus for downstream observability, grounded on the teacher's
// pkg/nats client. Publication is best-effort: a missing or unreachable NATS
// server never blocks or fails the ingress pipeline — audit visibility is a
// bonus, not a correctness dependency.
package audit

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is a single security-relevant occurrence in the ingress pipeline.
type Event struct {
	Kind      string            `json:"kind"`
	Channel   string            `json:"channel"`
	UserTag   string            `json:"user_tag"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

const subjectPrefix = "gateway.audit."

// Bus publishes audit events. A nil *nats.Conn (NATS not configured, or the
// connection attempt failed at boot) degrades Bus to logging-only.
type Bus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials url and returns a Bus. If url is empty or the dial fails,
// Connect returns a logging-only Bus — NATS connectivity is an enhancement,
// not a boot-blocking dependency.
func Connect(url string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		return &Bus{logger: logger}
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Warn("audit bus: failed to connect to NATS, falling back to log-only", zap.Error(err))
		return &Bus{logger: logger}
	}
	return &Bus{conn: conn, logger: logger}
}

// Publish emits an audit event. Errors are logged, never returned — callers
// in the ingress pipeline must never be slowed or blocked by audit plumbing.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	b.logger.Info("security_audit_event",
		zap.String("kind", ev.Kind),
		zap.String("channel", ev.Channel),
		zap.String("user_tag", ev.UserTag),
	)
	if b.conn == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("audit bus: marshal failed", zap.Error(err))
		return
	}
	if err := b.conn.Publish(subjectPrefix+ev.Kind, payload); err != nil {
		b.logger.Warn("audit bus: publish failed", zap.Error(err))
	}
}

// Close releases the underlying NATS connection, if any.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
