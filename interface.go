package writeq

import "context"

// StateBackend persists the pipeline State. Update is the single-writer
// serialization point: fn sees the current snapshot, and its changes are
// saved atomically only if it returns nil.
type StateBackend interface {
	Update(ctx context.Context, fn func(*State) error) error
	View(ctx context.Context, fn func(*State) error) error
	Close() error
}
