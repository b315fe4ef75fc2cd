package writeq

import (
	"context"
	"path/filepath"
	"testing"
)

func exerciseKV(t *testing.T, kv KVStore) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := kv.Get(ctx, "rowmap/1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	value := []byte(`{"next_row":3}`)
	if err := kv.Set(ctx, "rowmap/1", value); err != nil {
		t.Fatalf("set: %v", err)
	}
	value[0] = 'X'
	got, ok, err := kv.Get(ctx, "rowmap/1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got) != `{"next_row":3}` {
		t.Errorf("stored value aliased the caller's slice: %s", got)
	}
	if err := kv.Delete(ctx, "rowmap/1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "rowmap/1"); ok {
		t.Error("expected key to be gone")
	}
	if err := kv.Delete(ctx, "never-set"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestBoltKV(t *testing.T) {
	kv, err := OpenBoltKV(filepath.Join(t.TempDir(), "sub", "kv.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	exerciseKV(t, kv)
}

func TestBoltKV_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	kv, err := OpenBoltKV(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	kv.Set(ctx, "k", []byte("v"))
	kv.Close()

	kv, err = OpenBoltKV(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	got, ok, _ := kv.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Errorf("expected persisted value, got %q ok=%v", got, ok)
	}
}
