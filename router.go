package writeq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Router is the single entry point for invoice writes. It picks a backend
// per user, drains a little of the retry backlog on every write, and turns
// failed writes into queued operations.
type Router struct {
	backends     map[BackendKind]Backend
	queue        *RetryQueue
	cohort       atomic.Pointer[Cohort]
	metrics      *Metrics
	audit        AuditSink
	logger       *slog.Logger
	tracer       trace.Tracer
	drainLimit   int
	maxAttempts  int
	initialDelay time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBackend registers b under its own Kind.
func WithBackend(b Backend) RouterOption {
	return func(r *Router) {
		r.backends[b.Kind()] = b
	}
}

func WithCohort(c *Cohort) RouterOption {
	return func(r *Router) {
		r.cohort.Store(c)
	}
}

func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

func WithAudit(a AuditSink) RouterOption {
	return func(r *Router) {
		r.audit = a
	}
}

func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithDrainLimit sets how many due operations each write replays first.
func WithDrainLimit(n int) RouterOption {
	return func(r *Router) {
		r.drainLimit = n
	}
}

// WithRetryPolicy sets the attempt budget and first delay for operations
// enqueued by failed writes.
func WithRetryPolicy(maxAttempts int, initialDelay time.Duration) RouterOption {
	return func(r *Router) {
		r.maxAttempts = maxAttempts
		r.initialDelay = initialDelay
	}
}

func NewRouter(queue *RetryQueue, opts ...RouterOption) *Router {
	r := &Router{
		backends:     make(map[BackendKind]Backend),
		queue:        queue,
		logger:       slog.Default(),
		tracer:       otel.Tracer("writeq"),
		drainLimit:   DefaultDrainLimit,
		maxAttempts:  DefaultMaxAttempts,
		initialDelay: DefaultInitialDelay,
	}
	r.cohort.Store(NewCohort())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetCohort swaps the allowlist snapshot used by Resolve.
func (r *Router) SetCohort(c *Cohort) {
	if c == nil {
		c = NewCohort()
	}
	r.cohort.Store(c)
}

// Resolve returns the backend kind for a user: beta users go to REST,
// everyone else to the tabular store.
func (r *Router) Resolve(userID int64) BackendKind {
	if r.cohort.Load().Contains(userID) {
		return BackendREST
	}
	return BackendTabular
}

func (r *Router) backend(kind BackendKind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrNotConfigured, ErrUnknownBackend, kind)
	}
	return b, nil
}

// AppendRow writes values as a new row for the user and returns its row
// number. When the write fails it is queued and a *QueuedError is
// returned.
func (r *Router) AppendRow(ctx context.Context, userID int64, values []string) (int, error) {
	return r.AppendRowWithOption(ctx, userID, values, InputUserEntered)
}

func (r *Router) AppendRowWithOption(ctx context.Context, userID int64, values []string, opt ValueInputOption) (int, error) {
	ctx, span := r.tracer.Start(ctx, "writeq.append_row",
		trace.WithAttributes(attribute.Int64("user_id", userID)))
	defer span.End()

	r.drain(ctx)

	kind := r.Resolve(userID)
	span.SetAttributes(attribute.String("backend", string(kind)))
	payload := Payload{
		Backend:          kind,
		UserID:           userID,
		Values:           append([]string(nil), values...),
		ValueInputOption: opt,
	}

	start := time.Now()
	row, err := r.appendRow(ctx, kind, userID, values, opt)
	r.metrics.ObserveCall(MetricStorageWrite, string(OpAppendRow), kind, err == nil, time.Since(start))
	if err != nil {
		return 0, r.queueFailed(ctx, span, OpAppendRow, payload, err)
	}
	r.emit(ctx, AuditEvent{Event: EventWriteOK, Kind: OpAppendRow, Backend: kind, UserID: userID, RowNo: row})
	return row, nil
}

func (r *Router) appendRow(ctx context.Context, kind BackendKind, userID int64, values []string, opt ValueInputOption) (int, error) {
	b, err := r.backend(kind)
	if err != nil {
		return 0, err
	}
	return b.AppendRow(ctx, userID, values, opt)
}

// UpdateCell sets one cell of an existing row, with the same queueing
// contract as AppendRow.
func (r *Router) UpdateCell(ctx context.Context, userID int64, rowNo, col int, value string) error {
	ctx, span := r.tracer.Start(ctx, "writeq.update_cell",
		trace.WithAttributes(
			attribute.Int64("user_id", userID),
			attribute.Int("row_no", rowNo),
			attribute.Int("col", col),
		))
	defer span.End()

	r.drain(ctx)

	kind := r.Resolve(userID)
	span.SetAttributes(attribute.String("backend", string(kind)))
	payload := Payload{
		Backend: kind,
		UserID:  userID,
		RowNo:   rowNo,
		Col:     col,
		Value:   value,
	}

	start := time.Now()
	err := r.updateCell(ctx, kind, userID, rowNo, col, value)
	r.metrics.ObserveCall(MetricStorageWrite, string(OpUpdateCell), kind, err == nil, time.Since(start))
	if err != nil {
		return r.queueFailed(ctx, span, OpUpdateCell, payload, err)
	}
	r.emit(ctx, AuditEvent{Event: EventWriteOK, Kind: OpUpdateCell, Backend: kind, UserID: userID, RowNo: rowNo})
	return nil
}

func (r *Router) updateCell(ctx context.Context, kind BackendKind, userID int64, rowNo, col int, value string) error {
	b, err := r.backend(kind)
	if err != nil {
		return err
	}
	return b.UpdateCell(ctx, userID, rowNo, col, value)
}

// queueFailed persists a failed write. The enqueue ignores caller
// cancellation.
func (r *Router) queueFailed(ctx context.Context, span trace.Span, kind OpKind, payload Payload, cause error) error {
	span.RecordError(cause)

	id, err := r.queue.Enqueue(context.WithoutCancel(ctx), kind, payload, cause, r.maxAttempts, r.initialDelay)
	if err != nil {
		span.SetStatus(codes.Error, "write lost")
		r.logger.Error("writeq router: write failed and could not be queued",
			"operation", kind,
			"backend", payload.Backend,
			"user_id", payload.UserID,
			"error", cause,
			"enqueue_error", err,
		)
		r.emit(ctx, AuditEvent{
			Event:   EventWriteLost,
			Kind:    kind,
			Backend: payload.Backend,
			UserID:  payload.UserID,
			Error:   err.Error(),
		})
		return errors.Join(fmt.Errorf("%s: %w", kind, cause), err)
	}

	span.SetStatus(codes.Error, "write queued")
	span.SetAttributes(attribute.String("op_id", id))
	r.logger.Warn("writeq router: write queued",
		"op_id", id,
		"operation", kind,
		"backend", payload.Backend,
		"user_id", payload.UserID,
		"error", cause,
	)
	r.emit(ctx, AuditEvent{
		Event:       EventWriteQueued,
		OperationID: id,
		Kind:        kind,
		Backend:     payload.Backend,
		UserID:      payload.UserID,
		RowNo:       payload.RowNo,
		Error:       cause.Error(),
	})
	r.refreshStats(ctx)
	return &QueuedError{OperationID: id, Kind: kind, Err: cause}
}

func (r *Router) drain(ctx context.Context) {
	if _, err := r.Process(ctx, r.drainLimit); err != nil {
		r.logger.Warn("writeq router: backlog drain failed", "error", err)
	}
}

// Process replays up to limit due operations now. It is the same path the
// write calls use to drain the backlog.
func (r *Router) Process(ctx context.Context, limit int) (ProcessResult, error) {
	res, dead, err := r.queue.process(ctx, r.Replay, limit)
	if err != nil {
		return res, err
	}
	for _, entry := range dead {
		r.emit(ctx, AuditEvent{
			Event:       EventDeadLettered,
			OperationID: entry.ID,
			Kind:        entry.Kind,
			Backend:     entry.Payload.Backend,
			UserID:      entry.Payload.UserID,
			Error:       entry.Error,
		})
	}
	if res.Processed > 0 {
		r.logger.Info("writeq router: processed backlog",
			"processed", res.Processed,
			"ok", res.OK,
			"failed", res.Failed,
			"moved_to_dlq", res.MovedToDLQ,
			"deferred", res.Deferred,
		)
		result := res
		r.emit(ctx, AuditEvent{Event: EventQueueDrained, Result: &result})
		r.refreshStats(ctx)
	}
	return res, nil
}

// Stats returns the live queue and dead-letter sizes.
func (r *Router) Stats(ctx context.Context) (QueueStats, error) {
	st, err := r.queue.Stats(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	r.metrics.SetQueueStats(st)
	return st, nil
}

// Queue exposes the underlying retry queue for read views.
func (r *Router) Queue() *RetryQueue {
	return r.queue
}

func (r *Router) GetAllValues(ctx context.Context, userID int64) ([][]string, error) {
	b, err := r.backend(r.Resolve(userID))
	if err != nil {
		return nil, err
	}
	return b.GetAllValues(ctx, userID)
}

func (r *Router) GetRow(ctx context.Context, userID int64, rowNo int) ([]string, error) {
	b, err := r.backend(r.Resolve(userID))
	if err != nil {
		return nil, err
	}
	return b.GetRow(ctx, userID, rowNo)
}

func (r *Router) NextRow(ctx context.Context, userID int64) (int, error) {
	b, err := r.backend(r.Resolve(userID))
	if err != nil {
		return 0, err
	}
	return b.NextRow(ctx, userID)
}

func (r *Router) refreshStats(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if _, err := r.Stats(ctx); err != nil {
		r.logger.Debug("writeq router: stats refresh failed", "error", err)
	}
}

func (r *Router) emit(ctx context.Context, ev AuditEvent) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Emit(ctx, ev); err != nil {
		r.logger.Warn("writeq router: audit emit failed", "event", ev.Event, "error", err)
	}
}
