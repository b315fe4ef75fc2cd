package writeq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour
	// After this many doublings the delay jumps straight to maxBackoff.
	maxBackoffDoublings = 5
)

// BackoffDelay returns the wait before the next attempt after the given
// number of failed attempts: 30s, 60s, 120s, 240s, 480s, 960s, then 1h.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts-1 > maxBackoffDoublings {
		return maxBackoff
	}
	d := baseBackoff << (attempts - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Executor replays one Operation against its backend.
type Executor func(ctx context.Context, op Operation) error

// RetryQueue is the persisted, ordered set of pending mutations plus the
// dead-letter store.
type RetryQueue struct {
	state             StateBackend
	now               func() time.Time
	logger            *slog.Logger
	validator         *PayloadValidator
	fastPathPermanent bool
}

// QueueOption configures a RetryQueue.
type QueueOption func(*RetryQueue)

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *RetryQueue) {
		q.now = now
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *RetryQueue) {
		q.logger = logger
	}
}

// WithPayloadValidator checks every payload before it is replayed; schema
// failures are treated as permanent.
func WithPayloadValidator(v *PayloadValidator) QueueOption {
	return func(q *RetryQueue) {
		q.validator = v
	}
}

// WithPermanentFastPath controls whether permanent failures skip the
// remaining retry budget. Enabled by default.
func WithPermanentFastPath(enabled bool) QueueOption {
	return func(q *RetryQueue) {
		q.fastPathPermanent = enabled
	}
}

func NewRetryQueue(state StateBackend, opts ...QueueOption) *RetryQueue {
	q := &RetryQueue{
		state:             state,
		now:               time.Now,
		logger:            slog.Default(),
		fastPathPermanent: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a new Operation with zero attempts, due initialDelay
// from now, and returns its id.
func (q *RetryQueue) Enqueue(ctx context.Context, kind OpKind, payload Payload, cause error, maxAttempts int, initialDelay time.Duration) (string, error) {
	if kind != OpAppendRow && kind != OpUpdateCell {
		return "", fmt.Errorf("enqueue: unknown operation %q", kind)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	now := q.now()
	op := Operation{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NextTryAt:   now.Add(initialDelay),
	}
	if cause != nil {
		op.Error = cause.Error()
	}
	if op.Payload.Values != nil {
		op.Payload.Values = append([]string(nil), op.Payload.Values...)
	}

	err := q.state.Update(ctx, func(s *State) error {
		s.Queue = append(s.Queue, op)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return op.ID, nil
}

// Process attempts at most limit due operations in stored order. Entries
// that are not yet due, or that come after the limit is reached, are left
// untouched. Executor failures are recorded on the operation and never
// returned; only persistence errors are.
//
// Operations whose backend is not configured (ErrNotConfigured) are left
// live without spending an attempt and do not count against limit.
//
// The state serialization point is held for the whole run, so the worst
// case hold time is limit times the executor's own timeout. Cancelling ctx
// stops before the next entry; what was already done is still saved.
func (q *RetryQueue) Process(ctx context.Context, exec Executor, limit int) (ProcessResult, error) {
	res, _, err := q.process(ctx, exec, limit)
	return res, err
}

// process is Process that also returns the entries it dead-lettered.
func (q *RetryQueue) process(ctx context.Context, exec Executor, limit int) (ProcessResult, []DeadLetterEntry, error) {
	if limit < 1 {
		limit = 1
	}
	var (
		res  ProcessResult
		dead []DeadLetterEntry
	)
	// Replays already acknowledged by a backend must be saved even if ctx
	// is cancelled mid-run; only the executor sees cancellation.
	err := q.state.Update(context.WithoutCancel(ctx), func(s *State) error {
		res = ProcessResult{}
		dead = nil
		now := q.now()
		kept := make([]Operation, 0, len(s.Queue))
		for _, op := range s.Queue {
			if res.Processed >= limit || !op.Due(now) || ctx.Err() != nil {
				kept = append(kept, op)
				continue
			}
			err := q.attempt(ctx, exec, op)
			if errors.Is(err, ErrNotConfigured) {
				res.Deferred++
				op.Error = err.Error()
				kept = append(kept, op)
				continue
			}
			res.Processed++
			if err == nil {
				res.OK++
				continue
			}

			res.Failed++
			failedAt := q.now()
			op.Attempts++
			op.Error = err.Error()
			op.NextTryAt = failedAt.Add(BackoffDelay(op.Attempts))
			permanent := q.fastPathPermanent && IsPermanent(err)
			if op.Attempts >= op.MaxAttempts || permanent {
				entry := DeadLetterEntry{
					Operation: op,
					DLQAt:     failedAt,
					Permanent: permanent,
					Reason:    deadLetterReason(err, permanent),
				}
				s.DLQ = append(s.DLQ, entry)
				dead = append(dead, entry)
				res.MovedToDLQ++
				continue
			}
			q.logger.Debug("writeq queue: attempt failed",
				"op_id", op.ID,
				"operation", op.Kind,
				"attempts", op.Attempts,
				"next_try_at", op.NextTryAt,
				"error", err,
			)
			kept = append(kept, op)
		}
		s.Queue = kept
		return nil
	})
	if err != nil {
		return ProcessResult{}, nil, fmt.Errorf("process queue: %w", err)
	}
	if res.Deferred > 0 {
		q.logger.Warn("writeq queue: operations deferred, backend not configured", "deferred", res.Deferred)
	}

	for _, entry := range dead {
		q.logger.Warn("writeq queue: operation dead-lettered",
			"op_id", entry.ID,
			"operation", entry.Kind,
			"backend", entry.Payload.Backend,
			"user_id", entry.Payload.UserID,
			"attempts", entry.Attempts,
			"reason", entry.Reason,
			"error", entry.Error,
		)
	}
	return res, dead, nil
}

func (q *RetryQueue) attempt(ctx context.Context, exec Executor, op Operation) error {
	if q.validator != nil {
		if err := q.validator.Validate(op); err != nil {
			return err
		}
	}
	return exec(ctx, op)
}

// Stats returns live queue and dead-letter sizes.
func (q *RetryQueue) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := q.state.View(ctx, func(s *State) error {
		st = QueueStats{Queue: len(s.Queue), DLQ: len(s.DLQ)}
		return nil
	})
	return st, err
}

// Size returns the number of live operations.
func (q *RetryQueue) Size(ctx context.Context) (int, error) {
	st, err := q.Stats(ctx)
	return st.Queue, err
}

// DeadLetterSize returns the number of quarantined operations.
func (q *RetryQueue) DeadLetterSize(ctx context.Context) (int, error) {
	st, err := q.Stats(ctx)
	return st.DLQ, err
}

// List returns up to limit live operations in stored order; limit <= 0
// returns all of them.
func (q *RetryQueue) List(ctx context.Context, limit int) ([]Operation, error) {
	var out []Operation
	err := q.state.View(ctx, func(s *State) error {
		out = headOf(s.Queue, limit)
		return nil
	})
	return out, err
}

// Get returns a live operation by id.
func (q *RetryQueue) Get(ctx context.Context, id string) (*Operation, error) {
	var found *Operation
	err := q.state.View(ctx, func(s *State) error {
		for i := range s.Queue {
			if s.Queue[i].ID == id {
				op := s.Queue[i]
				found = &op
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return found, nil
}

// DeadLetters returns up to limit dead-letter entries, most recent first.
func (q *RetryQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	var out []DeadLetterEntry
	err := q.state.View(ctx, func(s *State) error {
		out = make([]DeadLetterEntry, 0, len(s.DLQ))
		for i := len(s.DLQ) - 1; i >= 0; i-- {
			out = append(out, s.DLQ[i])
		}
		out = headOf(out, limit)
		return nil
	})
	return out, err
}

// GetDeadLetter returns a dead-letter entry by operation id.
func (q *RetryQueue) GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error) {
	var found *DeadLetterEntry
	err := q.state.View(ctx, func(s *State) error {
		for i := range s.DLQ {
			if s.DLQ[i].ID == id {
				e := s.DLQ[i]
				found = &e
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	return found, nil
}

func headOf[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]T{}, items...)
}
