package writeq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStateBackend stores State as one JSON document. Writes go to a temp
// file in the same directory and are renamed over the target, and every
// Update holds an exclusive lock on "<path>.lock" so several processes can
// share the file.
type FileStateBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileStateBackend(path string) (*FileStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file state backend: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateBackend{path: path}, nil
}

func (b *FileStateBackend) Path() string {
	return b.path
}

func (b *FileStateBackend) Update(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	unlock, err := lockFile(b.path + ".lock")
	if err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	defer unlock()

	state, err := b.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return b.save(state)
}

func (b *FileStateBackend) View(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	state, err := b.load()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(state)
}

func (b *FileStateBackend) Close() error {
	return nil
}

func (b *FileStateBackend) load() (*State, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newState(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return decodeState(data)
}

func (b *FileStateBackend) save(state *State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
