package writeq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNATSAudit_SubjectFor(t *testing.T) {
	a := NewNATSAudit(newMockNATS(), "")
	tests := map[string]string{
		EventWriteQueued:  "writeq.audit.write_queued",
		EventDeadLettered: "writeq.audit.dead_lettered",
		"":                "writeq.audit.unknown",
	}
	for event, want := range tests {
		if got := a.SubjectFor(event); got != want {
			t.Errorf("%q: expected %s, got %s", event, want, got)
		}
	}

	custom := NewNATSAudit(newMockNATS(), "invoices.audit")
	if got := custom.SubjectFor(EventWriteOK); got != "invoices.audit.write_ok" {
		t.Errorf("unexpected custom subject %s", got)
	}
}

func TestNATSAudit_Emit(t *testing.T) {
	nc := newMockNATS()
	a := NewNATSAudit(nc, "")

	err := a.Emit(context.Background(), AuditEvent{
		Event:       EventWriteQueued,
		OperationID: "op-1",
		Kind:        OpAppendRow,
		Backend:     BackendTabular,
		UserID:      42,
		Error:       "503",
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	msgs := nc.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Subject != "writeq.audit.write_queued" {
		t.Errorf("unexpected subject %s", msgs[0].Subject)
	}
	var ev AuditEvent
	if err := json.Unmarshal(msgs[0].Data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID == "" || ev.At.IsZero() {
		t.Error("expected id and timestamp to be stamped")
	}
	if ev.OperationID != "op-1" || ev.UserID != 42 || ev.Kind != OpAppendRow {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestNATSAudit_PublishError(t *testing.T) {
	nc := newMockNATS()
	nc.err = errors.New("nats connection lost")
	err := NewNATSAudit(nc, "").Emit(context.Background(), AuditEvent{Event: EventWriteOK})
	if err == nil || !strings.Contains(err.Error(), "writeq.audit.write_ok") {
		t.Fatalf("expected publish error naming the subject, got %v", err)
	}
}

func TestLogAudit_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	a := NewLogAudit(logger)

	res := ProcessResult{Processed: 3, MovedToDLQ: 1}
	if err := a.Emit(context.Background(), AuditEvent{Event: EventQueueDrained, Result: &res}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["event"] != EventQueueDrained || rec["moved_to_dlq"] != float64(1) {
		t.Errorf("unexpected log record %v", rec)
	}
}

func TestTeeAudit(t *testing.T) {
	a, b := &recordingAudit{}, &recordingAudit{err: errors.New("sink b down")}
	tee := TeeAudit(a, b)

	err := tee.Emit(context.Background(), AuditEvent{Event: EventWriteOK})
	if err == nil || !strings.Contains(err.Error(), "sink b down") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatal("every sink must receive the event")
	}
	if a.events[0].ID == "" || a.events[0].ID != b.events[0].ID {
		t.Error("sinks should see the same stamped id")
	}
}
