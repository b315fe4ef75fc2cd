package writeq

import (
	"context"
	"fmt"
	"time"
)

// DuplicateReason says why a submission was rejected.
type DuplicateReason string

const (
	ReasonNone             DuplicateReason = ""
	ReasonDuplicateFile    DuplicateReason = "duplicate_file"
	ReasonDuplicateContent DuplicateReason = "duplicate_content"
)

// DuplicateCheck is the outcome of IdempotencyIndex.Check. Stamp is set
// whenever Reason is not ReasonNone.
type DuplicateCheck struct {
	Reason DuplicateReason
	Stamp  *Stamp
}

// Duplicate reports whether the submission matched an earlier write.
func (c DuplicateCheck) Duplicate() bool {
	return c.Reason != ReasonNone
}

// IdempotencyIndex maps file and content fingerprints to the write they
// produced. Both maps live in the same State document as the queue.
type IdempotencyIndex struct {
	state StateBackend
	now   func() time.Time
}

func NewIdempotencyIndex(state StateBackend) *IdempotencyIndex {
	return &IdempotencyIndex{state: state, now: time.Now}
}

func (x *IdempotencyIndex) FindFile(ctx context.Context, hash string) (*Stamp, error) {
	return x.find(ctx, hash, func(s *State) map[string]Stamp { return s.FileHashes })
}

func (x *IdempotencyIndex) FindContent(ctx context.Context, hash string) (*Stamp, error) {
	return x.find(ctx, hash, func(s *State) map[string]Stamp { return s.ContentHashes })
}

// RegisterFile records the write produced by a file. Registering the same
// hash again replaces the previous stamp.
func (x *IdempotencyIndex) RegisterFile(ctx context.Context, hash string, rowNo int, link string, userID int64) error {
	return x.register(ctx, hash, rowNo, link, userID, func(s *State) map[string]Stamp { return s.FileHashes })
}

func (x *IdempotencyIndex) RegisterContent(ctx context.Context, hash string, rowNo int, link string, userID int64) error {
	return x.register(ctx, hash, rowNo, link, userID, func(s *State) map[string]Stamp { return s.ContentHashes })
}

// Check looks up the file hash first, then the content hash. Empty hashes
// are skipped.
func (x *IdempotencyIndex) Check(ctx context.Context, fileHash, contentHash string) (DuplicateCheck, error) {
	var out DuplicateCheck
	err := x.state.View(ctx, func(s *State) error {
		if fileHash != "" {
			if st, ok := s.FileHashes[fileHash]; ok {
				out = DuplicateCheck{Reason: ReasonDuplicateFile, Stamp: &st}
				return nil
			}
		}
		if contentHash != "" {
			if st, ok := s.ContentHashes[contentHash]; ok {
				out = DuplicateCheck{Reason: ReasonDuplicateContent, Stamp: &st}
			}
		}
		return nil
	})
	if err != nil {
		return DuplicateCheck{}, fmt.Errorf("check duplicates: %w", err)
	}
	return out, nil
}

// Prune drops stamps recorded before olderThan from both maps and returns
// how many were removed.
func (x *IdempotencyIndex) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := x.state.Update(ctx, func(s *State) error {
		removed = 0
		for _, m := range []map[string]Stamp{s.FileHashes, s.ContentHashes} {
			for k, st := range m {
				if st.TS.Before(olderThan) {
					delete(m, k)
					removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune idempotency index: %w", err)
	}
	return removed, nil
}

func (x *IdempotencyIndex) find(ctx context.Context, hash string, pick func(*State) map[string]Stamp) (*Stamp, error) {
	if hash == "" {
		return nil, nil
	}
	var found *Stamp
	err := x.state.View(ctx, func(s *State) error {
		if st, ok := pick(s)[hash]; ok {
			found = &st
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find hash: %w", err)
	}
	return found, nil
}

func (x *IdempotencyIndex) register(ctx context.Context, hash string, rowNo int, link string, userID int64, pick func(*State) map[string]Stamp) error {
	if hash == "" {
		return nil
	}
	st := Stamp{RowNo: rowNo, FileLink: link, UserID: userID, TS: x.now().UTC()}
	err := x.state.Update(ctx, func(s *State) error {
		pick(s)[hash] = st
		return nil
	})
	if err != nil {
		return fmt.Errorf("register hash: %w", err)
	}
	return nil
}
