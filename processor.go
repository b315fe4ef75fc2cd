package writeq

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Replay is the queue Executor: it resolves the backend recorded on the
// operation and re-issues the mutation. The cohort is not consulted, so an
// operation always goes back to the store it originally failed against.
func (r *Router) Replay(ctx context.Context, op Operation) error {
	ctx, span := r.tracer.Start(ctx, "writeq.replay",
		trace.WithAttributes(
			attribute.String("op_id", op.ID),
			attribute.String("operation", string(op.Kind)),
			attribute.String("backend", string(op.Payload.Backend)),
			attribute.Int("attempts", op.Attempts),
		))
	defer span.End()

	err := r.replay(ctx, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
	}
	return err
}

func (r *Router) replay(ctx context.Context, op Operation) error {
	b, err := r.backend(op.Payload.Backend)
	if err != nil {
		return fmt.Errorf("replay %s: %w", op.ID, err)
	}

	start := time.Now()
	p := op.Payload
	switch op.Kind {
	case OpAppendRow:
		_, err = b.AppendRow(ctx, p.UserID, p.Values, p.ValueInputOption)
	case OpUpdateCell:
		err = b.UpdateCell(ctx, p.UserID, p.RowNo, p.Col, p.Value)
	default:
		return Permanent(fmt.Errorf("replay %s: unknown operation %q", op.ID, op.Kind))
	}
	r.metrics.ObserveCall(MetricReplay, string(op.Kind), p.Backend, err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("replay %s: %w", op.ID, err)
	}
	return nil
}
