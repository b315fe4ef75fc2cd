package writeq

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestContentHash_Normalization(t *testing.T) {
	a := InvoiceFields{Date: "2025-03-01", Number: "FV/12/2025", Company: "ACME  Sp. z o.o.", Gross: "1 230,00", Type: "Cost"}
	b := InvoiceFields{Date: " 2025-03-01", Number: "fv/12/2025", Company: "acme sp.zo.o.", Gross: "1230,00", Type: "COST\t"}
	if ContentHash(a) != ContentHash(b) {
		t.Error("expected case and whitespace variants to hash equal")
	}

	c := b
	c.Gross = "1230,01"
	if ContentHash(b) == ContentHash(c) {
		t.Error("expected different gross amounts to hash differently")
	}
}

func TestContentHash_FieldBoundaries(t *testing.T) {
	a := InvoiceFields{Number: "12", Company: "3ACME"}
	b := InvoiceFields{Number: "123", Company: "ACME"}
	if ContentHash(a) == ContentHash(b) {
		t.Error("fields must not bleed into each other")
	}
}

func TestFileHash(t *testing.T) {
	got, err := FileHash(strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if FileHashBytes([]byte("abc")) != want {
		t.Error("FileHashBytes disagrees with FileHash")
	}
}

func TestIdempotencyIndex_RegisterAndFind(t *testing.T) {
	ctx := context.Background()
	idx := NewIdempotencyIndex(NewMemoryStateBackend())
	clock := newFakeClock()
	idx.now = clock.Now

	if st, err := idx.FindFile(ctx, "f1"); err != nil || st != nil {
		t.Fatalf("expected miss, got %+v, %v", st, err)
	}
	if err := idx.RegisterFile(ctx, "f1", 14, "https://drive/x", 42); err != nil {
		t.Fatalf("register: %v", err)
	}
	st, err := idx.FindFile(ctx, "f1")
	if err != nil || st == nil {
		t.Fatalf("expected hit, got %+v, %v", st, err)
	}
	if st.RowNo != 14 || st.FileLink != "https://drive/x" || st.UserID != 42 || !st.TS.Equal(clock.Now()) {
		t.Errorf("unexpected stamp %+v", st)
	}
	if st, _ := idx.FindContent(ctx, "f1"); st != nil {
		t.Error("file and content maps must be separate")
	}

	clock.Advance(time.Minute)
	idx.RegisterFile(ctx, "f1", 20, "", 42)
	st, _ = idx.FindFile(ctx, "f1")
	if st.RowNo != 20 {
		t.Errorf("expected re-registration to overwrite, got row %d", st.RowNo)
	}
}

func TestIdempotencyIndex_EmptyHashIgnored(t *testing.T) {
	ctx := context.Background()
	idx := NewIdempotencyIndex(NewMemoryStateBackend())
	if err := idx.RegisterContent(ctx, "", 3, "", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if st, _ := idx.FindContent(ctx, ""); st != nil {
		t.Error("empty hash must never match")
	}
}

func TestIdempotencyIndex_Check(t *testing.T) {
	ctx := context.Background()
	idx := NewIdempotencyIndex(NewMemoryStateBackend())
	idx.RegisterFile(ctx, "file-a", 5, "", 1)
	idx.RegisterContent(ctx, "content-a", 6, "", 1)

	tests := []struct {
		name    string
		file    string
		content string
		want    DuplicateReason
		row     int
	}{
		{"new", "file-b", "content-b", ReasonNone, 0},
		{"file match wins", "file-a", "content-a", ReasonDuplicateFile, 5},
		{"content only", "file-b", "content-a", ReasonDuplicateContent, 6},
		{"no file hash", "", "content-a", ReasonDuplicateContent, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Check(ctx, tt.file, tt.content)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if got.Reason != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got.Reason)
			}
			if got.Duplicate() != (tt.want != ReasonNone) {
				t.Error("Duplicate() disagrees with Reason")
			}
			if tt.row > 0 && got.Stamp.RowNo != tt.row {
				t.Errorf("expected row %d, got %d", tt.row, got.Stamp.RowNo)
			}
		})
	}
}

func TestIdempotencyIndex_Prune(t *testing.T) {
	ctx := context.Background()
	idx := NewIdempotencyIndex(NewMemoryStateBackend())
	clock := newFakeClock()
	idx.now = clock.Now

	idx.RegisterFile(ctx, "old-file", 2, "", 1)
	idx.RegisterContent(ctx, "old-content", 2, "", 1)
	clock.Advance(48 * time.Hour)
	idx.RegisterFile(ctx, "new-file", 3, "", 1)

	removed, err := idx.Prune(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if st, _ := idx.FindFile(ctx, "new-file"); st == nil {
		t.Error("recent stamp must survive pruning")
	}
	if st, _ := idx.FindContent(ctx, "old-content"); st != nil {
		t.Error("old stamp should be pruned")
	}
}

func TestIdempotencyIndex_SharesStateWithQueue(t *testing.T) {
	ctx := context.Background()
	state := NewMemoryStateBackend()
	idx := NewIdempotencyIndex(state)
	q := NewRetryQueue(state)

	idx.RegisterFile(ctx, "f", 2, "", 1)
	q.Enqueue(ctx, OpAppendRow, appendPayload(1), nil, 3, time.Minute)

	state.View(ctx, func(s *State) error {
		if len(s.FileHashes) != 1 || len(s.Queue) != 1 {
			t.Errorf("expected both writes in one document, got %d hashes and %d ops", len(s.FileHashes), len(s.Queue))
		}
		return nil
	})
}
