package writeq

import (
	"context"
	"log/slog"
	"time"
)

// BacklogProcessor is what the Scanner drives; *Router implements it.
type BacklogProcessor interface {
	Process(ctx context.Context, limit int) (ProcessResult, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// Scanner periodically processes the retry backlog so queued writes are
// replayed even when no new writes arrive.
type Scanner struct {
	proc     BacklogProcessor
	interval time.Duration
	limit    int
	logger   *slog.Logger
	done     chan struct{}
}

// NewScanner creates a maintenance scanner that replays up to limit
// operations every interval.
func NewScanner(proc BacklogProcessor, interval time.Duration, limit int, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		proc:     proc,
		interval: interval,
		limit:    limit,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start scans once immediately, then every interval until ctx is
// cancelled.
func (s *Scanner) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)
	if ctx.Err() != nil {
		return
	}
	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// Wait blocks until the loop started by Start has returned.
func (s *Scanner) Wait() {
	<-s.done
}

func (s *Scanner) scan(ctx context.Context) {
	res, err := s.proc.Process(ctx, s.limit)
	if err != nil {
		s.logger.Error("writeq scanner: process failed", "error", err)
		return
	}

	st, err := s.proc.Stats(ctx)
	if err != nil {
		s.logger.Error("writeq scanner: stats failed", "error", err)
		return
	}

	if res.Processed == 0 {
		s.logger.Debug("writeq scanner: nothing due", "queue", st.Queue, "dlq", st.DLQ)
		return
	}
	s.logger.Info("writeq scanner: scan complete",
		"processed", res.Processed,
		"ok", res.OK,
		"failed", res.Failed,
		"moved_to_dlq", res.MovedToDLQ,
		"queue", st.Queue,
		"dlq", st.DLQ,
	)
}
