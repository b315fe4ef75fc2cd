package writeq

import (
	"context"
	"sync"
)

// MemoryStateBackend keeps State in process memory. It is used by tests and
// by the "memory://" DSN.
type MemoryStateBackend struct {
	mu    sync.Mutex
	state *State
}

func NewMemoryStateBackend() *MemoryStateBackend {
	return &MemoryStateBackend{state: newState()}
}

func (b *MemoryStateBackend) Update(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	working, err := cloneState(b.state)
	if err != nil {
		return err
	}
	if err := fn(working); err != nil {
		return err
	}
	b.state = working
	return nil
}

func (b *MemoryStateBackend) View(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	snapshot, err := cloneState(b.state)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(snapshot)
}

func (b *MemoryStateBackend) Close() error {
	return nil
}
