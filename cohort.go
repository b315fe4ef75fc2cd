package writeq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Cohort is an immutable snapshot of the beta allowlist. Users in it are
// routed to the REST backend.
type Cohort struct {
	beta map[int64]struct{}
}

func NewCohort(ids ...int64) *Cohort {
	c := &Cohort{beta: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		c.beta[id] = struct{}{}
	}
	return c
}

// ParseCohort reads user ids separated by commas, whitespace or newlines.
// Tokens that are not positive integers and lines starting with # are
// ignored.
func ParseCohort(raw string) *Cohort {
	var ids []int64
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, tok := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		}) {
			id, err := strconv.ParseInt(tok, 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			ids = append(ids, id)
		}
	}
	return NewCohort(ids...)
}

func (c *Cohort) Contains(userID int64) bool {
	if c == nil {
		return false
	}
	_, ok := c.beta[userID]
	return ok
}

func (c *Cohort) Size() int {
	if c == nil {
		return 0
	}
	return len(c.beta)
}

// LoadCohortFile parses the allowlist file at path.
func LoadCohortFile(path string) (*Cohort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cohort file: %w", err)
	}
	return ParseCohort(string(data)), nil
}

// CohortWatcher reloads the allowlist file whenever it changes and hands
// each new snapshot to apply.
type CohortWatcher struct {
	path   string
	apply  func(*Cohort)
	logger *slog.Logger
	ready  chan struct{}
}

func NewCohortWatcher(path string, apply func(*Cohort), logger *slog.Logger) *CohortWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CohortWatcher{
		path:   filepath.Clean(path),
		apply:  apply,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the watch is established.
func (w *CohortWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Run loads the file once, then watches its directory until ctx is done.
// The directory is watched so editors that replace the file by rename are
// picked up.
func (w *CohortWatcher) Run(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cohort watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("writeq cohort: reload failed, keeping previous snapshot", "path", w.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("writeq cohort: watcher error", "error", err)
		}
	}
}

func (w *CohortWatcher) reload() error {
	c, err := LoadCohortFile(w.path)
	if err != nil {
		return err
	}
	w.apply(c)
	w.logger.Info("writeq cohort: loaded", "path", w.path, "beta_users", c.Size())
	return nil
}
