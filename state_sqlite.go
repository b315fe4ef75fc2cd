package writeq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStateBackend stores State in a single-row table of a local SQLite
// database. Transactions open with BEGIN IMMEDIATE so concurrent processes
// queue on the database write lock.
type SQLiteStateBackend struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite state backend: empty path")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS writeq_state (
			state_key  TEXT PRIMARY KEY,
			snapshot   TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create writeq_state: %w", err)
	}
	return &SQLiteStateBackend{db: db}, nil
}

// Update runs fn inside one BEGIN IMMEDIATE transaction. Cancelling ctx
// rolls it back.
func (b *SQLiteStateBackend) Update(ctx context.Context, fn func(*State) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO writeq_state (state_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP
	`, defaultStateKey, string(data))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (b *SQLiteStateBackend) View(ctx context.Context, fn func(*State) error) error {
	b.mu.Lock()
	state, err := b.load(ctx, b.db)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(state)
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type sqlRowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *SQLiteStateBackend) load(ctx context.Context, q sqlRowQuerier) (*State, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT snapshot FROM writeq_state WHERE state_key = ?`, defaultStateKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decodeState([]byte(raw))
}
