package writeq

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeBackend is a thread-safe in-memory Backend. Errors queued in errs are
// returned by successive write calls before any write succeeds.
type fakeBackend struct {
	mu   sync.Mutex
	kind BackendKind
	rows [][]string
	errs []error

	appendCalls int
	updateCalls int
}

func newFakeBackend(kind BackendKind) *fakeBackend {
	return &fakeBackend{kind: kind, rows: [][]string{{"date", "number"}}}
}

func (f *fakeBackend) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeBackend) popErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeBackend) Kind() BackendKind { return f.kind }

func (f *fakeBackend) AppendRow(_ context.Context, _ int64, values []string, _ ValueInputOption) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	if err := f.popErr(); err != nil {
		return 0, err
	}
	f.rows = append(f.rows, padRow(values))
	return len(f.rows), nil
}

func (f *fakeBackend) UpdateCell(_ context.Context, _ int64, rowNo, col int, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if err := f.popErr(); err != nil {
		return err
	}
	if err := validateCell(rowNo, col); err != nil {
		return err
	}
	for len(f.rows) < rowNo {
		f.rows = append(f.rows, padRow(nil))
	}
	row := f.rows[rowNo-1]
	for len(row) < col {
		row = append(row, "")
	}
	row[col-1] = value
	f.rows[rowNo-1] = row
	return nil
}

func (f *fakeBackend) GetAllValues(context.Context, int64) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.rows))
	for i, r := range f.rows {
		out[i] = append([]string(nil), r...)
	}
	return out, nil
}

func (f *fakeBackend) GetRow(_ context.Context, _ int64, rowNo int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rowNo < 1 || rowNo > len(f.rows) {
		return []string{}, nil
	}
	return append([]string(nil), f.rows[rowNo-1]...), nil
}

func (f *fakeBackend) NextRow(context.Context, int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows) + 1, nil
}

func (f *fakeBackend) calls() (appends, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls, f.updateCalls
}

// failingState wraps a StateBackend and fails every Update once broken.
type failingState struct {
	StateBackend
	mu     sync.Mutex
	broken bool
}

var errStateDown = errors.New("disk full")

func (f *failingState) breakWrites() {
	f.mu.Lock()
	f.broken = true
	f.mu.Unlock()
}

func (f *failingState) Update(ctx context.Context, fn func(*State) error) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return errStateDown
	}
	return f.StateBackend.Update(ctx, fn)
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// recordingAudit keeps every event it receives.
type recordingAudit struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (a *recordingAudit) Emit(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return a.err
}

func (a *recordingAudit) names() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Event
	}
	return out
}

func (a *recordingAudit) count(event string) int {
	n := 0
	for _, name := range a.names() {
		if name == event {
			n++
		}
	}
	return n
}

// Verify interfaces at compile time.
var (
	_ Backend       = (*fakeBackend)(nil)
	_ StateBackend  = (*failingState)(nil)
	_ NATSPublisher = (*mockNATS)(nil)
	_ AuditSink     = (*recordingAudit)(nil)
)
