package writeq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	tabularAttempts     = 3
	tabularInitialDelay = 600 * time.Millisecond
)

// TabularBackend writes rows into a single worksheet shared by all users.
// Row numbers are literal sheet positions.
type TabularBackend struct {
	client       SheetClient
	metrics      *Metrics
	logger       *slog.Logger
	initialDelay time.Duration
}

// TabularOption configures a TabularBackend.
type TabularOption func(*TabularBackend)

func WithTabularMetrics(m *Metrics) TabularOption {
	return func(b *TabularBackend) {
		b.metrics = m
	}
}

func WithTabularLogger(logger *slog.Logger) TabularOption {
	return func(b *TabularBackend) {
		b.logger = logger
	}
}

// WithTabularRetryDelay sets the first inner-retry delay; later delays
// double.
func WithTabularRetryDelay(d time.Duration) TabularOption {
	return func(b *TabularBackend) {
		b.initialDelay = d
	}
}

func NewTabularBackend(client SheetClient, opts ...TabularOption) *TabularBackend {
	b := &TabularBackend{
		client:       client,
		logger:       slog.Default(),
		initialDelay: tabularInitialDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *TabularBackend) Kind() BackendKind { return BackendTabular }

func (b *TabularBackend) AppendRow(ctx context.Context, _ int64, values []string, opt ValueInputOption) (int, error) {
	if len(values) == 0 {
		return 0, validationErrorf("append_row with no values")
	}
	if opt == "" {
		opt = InputUserEntered
	}
	updated, err := withSheetsRetry(ctx, b, "append_row", func() (string, error) {
		return b.client.AppendValues(ctx, values, opt)
	})
	if err != nil {
		return 0, err
	}
	if row, ok := rowFromA1(updated); ok {
		return row, nil
	}
	// The API did not say where the row landed; the sheet is append-only so
	// the last row is ours.
	next, err := b.NextRow(ctx, 0)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

func (b *TabularBackend) UpdateCell(ctx context.Context, _ int64, rowNo, col int, value string) error {
	if err := validateCell(rowNo, col); err != nil {
		return err
	}
	a1 := columnLetter(col) + strconv.Itoa(rowNo)
	_, err := withSheetsRetry(ctx, b, "update_cell", func() (struct{}, error) {
		return struct{}{}, b.client.UpdateValue(ctx, a1, value)
	})
	return err
}

func (b *TabularBackend) GetAllValues(ctx context.Context, _ int64) ([][]string, error) {
	return withSheetsRetry(ctx, b, "get_all_values", func() ([][]string, error) {
		return b.client.GetValues(ctx, "")
	})
}

func (b *TabularBackend) GetRow(ctx context.Context, _ int64, rowNo int) ([]string, error) {
	if rowNo < 1 {
		return nil, validationErrorf("row %d out of range", rowNo)
	}
	a1 := fmt.Sprintf("%d:%d", rowNo, rowNo)
	rows, err := withSheetsRetry(ctx, b, "get_row", func() ([][]string, error) {
		return b.client.GetValues(ctx, a1)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []string{}, nil
	}
	return rows[0], nil
}

func (b *TabularBackend) NextRow(ctx context.Context, userID int64) (int, error) {
	rows, err := b.GetAllValues(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(rows) + 1, nil
}

// withSheetsRetry runs call up to three times with exponential backoff,
// recording one metric per attempt. Permanent errors stop immediately.
func withSheetsRetry[T any](ctx context.Context, b *TabularBackend, op string, call func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		start := time.Now()
		out, err := call()
		b.metrics.ObserveCall(MetricSheetsCall, op, BackendTabular, err == nil, time.Since(start))
		if err != nil {
			if IsPermanent(err) {
				return out, backoff.Permanent(err)
			}
			if attempt < tabularAttempts {
				b.logger.Warn("writeq tabular: call failed, retrying",
					"operation", op,
					"attempt", attempt,
					"error", err,
				)
			}
			return out, err
		}
		return out, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.initialDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(tabularAttempts),
	)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("sheets %s: %w", op, err)
	}
	return out, nil
}

// columnLetter converts a 1-based column index to its A1 letters.
func columnLetter(col int) string {
	var sb []byte
	for col > 0 {
		col--
		sb = append([]byte{byte('A' + col%26)}, sb...)
		col /= 26
	}
	return string(sb)
}

// rowFromA1 extracts the first row number from a range such as
// "'Sheet1'!A5:K5".
func rowFromA1(a1 string) (int, bool) {
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		a1 = a1[i+1:]
	}
	if i := strings.Index(a1, ":"); i >= 0 {
		a1 = a1[:i]
	}
	digits := strings.TrimLeft(a1, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz$")
	digits = strings.TrimPrefix(digits, "$")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
