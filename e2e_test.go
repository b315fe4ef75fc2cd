package writeq

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// TestE2E_ExhaustionMovesAllToDLQ runs three operations against an executor
// that never succeeds until every one of them is quarantined.
func TestE2E_ExhaustionMovesAllToDLQ(t *testing.T) {
	ctx := context.Background()
	state, err := NewFileStateBackend(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	clock := newFakeClock()
	q := NewRetryQueue(state, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, OpAppendRow, appendPayload(int64(i)), nil, 2, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	fail := func(context.Context, Operation) error { return errors.New("sheets unreachable") }

	for round := 0; round < 5; round++ {
		if _, err := q.Process(ctx, fail, 10); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		clock.Advance(time.Hour)
	}

	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Queue != 0 || st.DLQ != 3 {
		t.Fatalf("expected empty queue and 3 dead letters, got %+v", st)
	}
	entries, _ := q.DeadLetters(ctx, 0)
	for _, e := range entries {
		if e.Attempts != 2 || e.Error != "sheets unreachable" {
			t.Errorf("unexpected dead letter %+v", e)
		}
	}
}

// TestE2E_OutageAndRecovery covers a backend outage: writes are accepted as
// queued, the outage ends, and the next write replays the backlog first.
func TestE2E_OutageAndRecovery(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, WithRetryPolicy(6, 0))
	idx := NewIdempotencyIndex(f.state)
	outage := errors.New("sheets 503")

	// Step 1: two writes during the outage are queued. The first write's
	// drain finds nothing due, the second write's drain retries the first.
	f.tabular.failNext(outage, outage, outage)
	for i, number := range []string{"FV/1", "FV/2"} {
		_, err := f.router.AppendRow(ctx, 1, []string{"2025-03-01", number})
		if !errors.Is(err, ErrQueued) {
			t.Fatalf("write %d: expected queued, got %v", i, err)
		}
	}
	if st, _ := f.router.Stats(ctx); st.Queue != 2 {
		t.Fatalf("expected 2 queued operations, got %+v", st)
	}

	// Step 2: the outage is over. The next write drains the backlog first.
	f.clock.Advance(time.Hour)
	row, err := f.router.AppendRow(ctx, 1, []string{"2025-03-02", "FV/3"})
	if err != nil {
		t.Fatalf("write after recovery: %v", err)
	}
	if row != 4 {
		t.Errorf("expected the new row after the two replayed ones, got %d", row)
	}
	all, _ := f.router.GetAllValues(ctx, 1)
	var numbers []string
	for _, r := range all[1:] {
		numbers = append(numbers, r[ColNumber-1])
	}
	if len(numbers) != 3 || numbers[0] != "FV/1" || numbers[1] != "FV/2" || numbers[2] != "FV/3" {
		t.Errorf("expected rows in submission order, got %v", numbers)
	}

	// Step 3: the caller records the fingerprint once the write landed.
	hash := ContentHash(InvoiceFields{Date: "2025-03-02", Number: "FV/3"})
	if err := idx.RegisterContent(ctx, hash, row, "", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	check, _ := idx.Check(ctx, "", ContentHash(InvoiceFields{Date: "2025-03-02 ", Number: "fv/3"}))
	if check.Reason != ReasonDuplicateContent || check.Stamp.RowNo != 4 {
		t.Errorf("expected duplicate content at row 4, got %+v", check)
	}

	// Step 4: the admin API agrees.
	r := chi.NewRouter()
	r.Mount("/admin", NewHandler(f.router, f.queue, f.metrics).Routes())
	w := serve(r, http.MethodGet, "/admin/stats")
	if w.Code != http.StatusOK || w.Body.String() != "{\"queue\":0,\"dlq\":0}\n" {
		t.Errorf("unexpected stats response %d %s", w.Code, w.Body.String())
	}
	if f.audit.count(EventWriteQueued) != 2 || f.audit.count(EventWriteOK) != 1 {
		t.Errorf("unexpected audit trail %v", f.audit.names())
	}
}

// TestE2E_SharedStateAcrossProcesses opens the same state file twice, the
// way the bot and a maintenance job do, and checks neither loses writes.
func TestE2E_SharedStateAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	a, _ := NewFileStateBackend(path)
	b, _ := NewFileStateBackend(path)
	qa, qb := NewRetryQueue(a), NewRetryQueue(b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			qa.Enqueue(ctx, OpAppendRow, appendPayload(1), nil, 6, time.Hour)
		}
	}()
	for i := 0; i < 20; i++ {
		qb.Enqueue(ctx, OpAppendRow, appendPayload(2), nil, 6, time.Hour)
	}
	<-done

	n, err := NewRetryQueue(a).Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n != 40 {
		t.Errorf("expected 40 operations, got %d", n)
	}
}
