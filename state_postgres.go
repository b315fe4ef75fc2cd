package writeq

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultStateKey = "default"

// PostgresStateBackend stores State as one JSONB row in writeq_state. Each
// Update runs in a transaction that holds pg_advisory_xact_lock, so writers
// in different processes are serialized.
type PostgresStateBackend struct {
	pool     *pgxpool.Pool
	stateKey string
	lockID   int64
	ownsPool bool
}

// NewPostgresStateBackend creates a backend from an existing connection pool.
// Call EnsureSchema before first use.
func NewPostgresStateBackend(pool *pgxpool.Pool, stateKey string) *PostgresStateBackend {
	if stateKey == "" {
		stateKey = defaultStateKey
	}
	return &PostgresStateBackend{
		pool:     pool,
		stateKey: stateKey,
		lockID:   advisoryLockID(stateKey),
	}
}

// OpenPostgresStateBackend dials dsn, creates the table if needed and
// returns a backend that closes the pool on Close.
func OpenPostgresStateBackend(ctx context.Context, dsn string) (*PostgresStateBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b := NewPostgresStateBackend(pool, defaultStateKey)
	b.ownsPool = true
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// EnsureSchema creates the writeq_state table.
func (b *PostgresStateBackend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS writeq_state (
			state_key  TEXT PRIMARY KEY,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create writeq_state: %w", err)
	}
	return nil
}

// Update runs fn inside one transaction holding the advisory lock, so other
// writers block until fn returns. A RetryQueue.Process run keeps the lock
// for all of its replays; cancelling ctx rolls the transaction back.
func (b *PostgresStateBackend) Update(ctx context.Context, fn func(*State) error) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, b.lockID); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}

	state, err := b.load(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO writeq_state (state_key, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()
	`, b.stateKey, string(data))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (b *PostgresStateBackend) View(ctx context.Context, fn func(*State) error) error {
	state, err := b.load(ctx, b.pool)
	if err != nil {
		return err
	}
	return fn(state)
}

func (b *PostgresStateBackend) Close() error {
	if b.ownsPool {
		b.pool.Close()
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (b *PostgresStateBackend) load(ctx context.Context, q rowQuerier) (*State, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT snapshot FROM writeq_state WHERE state_key = $1`, b.stateKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeState(raw)
}

func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("writeq_state"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
