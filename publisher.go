package writeq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Audit events emitted by the router and the queue.
const (
	EventWriteOK      = "write_ok"
	EventWriteQueued  = "write_queued"
	EventWriteLost    = "write_lost"
	EventDeadLettered = "dead_lettered"
	EventQueueDrained = "queue_processed"
)

const defaultAuditPrefix = "writeq.audit"

// AuditEvent is one write-only audit record.
type AuditEvent struct {
	ID          string         `json:"id"`
	Event       string         `json:"event"`
	OperationID string         `json:"operation_id,omitempty"`
	Kind        OpKind         `json:"operation,omitempty"`
	Backend     BackendKind    `json:"backend,omitempty"`
	UserID      int64          `json:"user_id,omitempty"`
	RowNo       int            `json:"row_no,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      *ProcessResult `json:"result,omitempty"`
	At          time.Time      `json:"at"`
}

// AuditSink receives audit events. Failures are reported to the caller,
// who only logs them.
type AuditSink interface {
	Emit(ctx context.Context, ev AuditEvent) error
}

// NATSPublisher is the subset of *nats.Conn used for audit publishing.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSAudit publishes audit events as JSON to "<prefix>.<event>".
type NATSAudit struct {
	nc     NATSPublisher
	prefix string
}

// NewNATSAudit creates a NATS audit sink. An empty prefix means
// "writeq.audit".
func NewNATSAudit(nc NATSPublisher, prefix string) *NATSAudit {
	if prefix == "" {
		prefix = defaultAuditPrefix
	}
	return &NATSAudit{nc: nc, prefix: prefix}
}

// SubjectFor returns the subject an event is published to.
func (a *NATSAudit) SubjectFor(event string) string {
	if event == "" {
		event = "unknown"
	}
	return a.prefix + "." + event
}

func (a *NATSAudit) Emit(_ context.Context, ev AuditEvent) error {
	ev = stampEvent(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	subject := a.SubjectFor(ev.Event)
	if err := a.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// LogAudit writes audit events to a structured logger.
type LogAudit struct {
	logger *slog.Logger
}

func NewLogAudit(logger *slog.Logger) *LogAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAudit{logger: logger}
}

func (a *LogAudit) Emit(ctx context.Context, ev AuditEvent) error {
	ev = stampEvent(ev)
	attrs := []any{
		"audit_id", ev.ID,
		"event", ev.Event,
	}
	if ev.OperationID != "" {
		attrs = append(attrs, "op_id", ev.OperationID)
	}
	if ev.Kind != "" {
		attrs = append(attrs, "operation", ev.Kind, "backend", ev.Backend, "user_id", ev.UserID)
	}
	if ev.RowNo > 0 {
		attrs = append(attrs, "row_no", ev.RowNo)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	if ev.Result != nil {
		attrs = append(attrs, "processed", ev.Result.Processed, "moved_to_dlq", ev.Result.MovedToDLQ)
	}
	a.logger.InfoContext(ctx, "writeq audit", attrs...)
	return nil
}

type teeAudit []AuditSink

// TeeAudit fans every event out to all sinks and joins their errors.
func TeeAudit(sinks ...AuditSink) AuditSink {
	return teeAudit(sinks)
}

func (t teeAudit) Emit(ctx context.Context, ev AuditEvent) error {
	ev = stampEvent(ev)
	var errs []error
	for _, s := range t {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stampEvent(ev AuditEvent) AuditEvent {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
