package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func keys(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key
	}
	return out
}

func equalKeys(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// exercise runs the shared Store contract against one backend.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, TableThreads, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}
	if err := s.Put(ctx, "nope", "k", "", []byte(`{}`)); !errors.Is(err, ErrUnknownTable) {
		t.Fatalf("Put unknown table: %v", err)
	}

	rows := []struct{ key, index string }{
		{"c", "2026-01-03"},
		{"a", "2026-01-01"},
		{"b", "2026-01-01"},
		{"d", ""},
	}
	for _, r := range rows {
		if err := s.Put(ctx, TableThreads, r.key, r.index, []byte(`{"id":"`+r.key+`"}`)); err != nil {
			t.Fatalf("Put %s: %v", r.key, err)
		}
	}

	got, err := s.Get(ctx, TableThreads, "a")
	if err != nil || string(got) != `{"id":"a"}` {
		t.Fatalf("Get a = %s, %v", got, err)
	}

	all, err := s.GetAll(ctx, TableThreads)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if want := []string{"d", "a", "b", "c"}; !equalKeys(keys(all), want) {
		t.Fatalf("GetAll order = %v, want %v", keys(all), want)
	}

	scanned, err := s.ScanIndex(ctx, TableThreads, "2026-01-01", "2026-01-02")
	if err != nil {
		t.Fatalf("ScanIndex: %v", err)
	}
	if want := []string{"a", "b"}; !equalKeys(keys(scanned), want) {
		t.Fatalf("ScanIndex = %v, want %v", keys(scanned), want)
	}
	scanned, err = s.ScanIndex(ctx, TableThreads, "2026", IndexMax)
	if err != nil {
		t.Fatalf("ScanIndex open: %v", err)
	}
	if want := []string{"a", "b", "c"}; !equalKeys(keys(scanned), want) {
		t.Fatalf("ScanIndex open = %v, want %v", keys(scanned), want)
	}

	// 覆盖写会移动索引
	if err := s.Put(ctx, TableThreads, "a", "2026-01-09", []byte(`{"id":"a2"}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	scanned, _ = s.ScanIndex(ctx, TableThreads, "2026-01-01", "2026-01-02")
	if want := []string{"b"}; !equalKeys(keys(scanned), want) {
		t.Fatalf("ScanIndex after move = %v, want %v", keys(scanned), want)
	}

	if err := s.Delete(ctx, TableThreads, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, TableThreads, "b"); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := s.Get(ctx, TableThreads, "b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted: %v", err)
	}

	other, err := s.GetAll(ctx, TableOps)
	if err != nil || len(other) != 0 {
		t.Fatalf("tables not isolated: %v, %v", keys(other), err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	value := []byte(`{"n":1}`)
	if err := m.Put(ctx, TableSettings, "k", "", value); err != nil {
		t.Fatal(err)
	}
	value[2] = 'x'
	got, _ := m.Get(ctx, TableSettings, "k")
	got[2] = 'y'
	again, _ := m.Get(ctx, TableSettings, "k")
	if string(again) != `{"n":1}` {
		t.Fatalf("stored value aliased caller memory: %s", again)
	}
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	_ = m.Close()
	if _, err := m.GetAll(context.Background(), TableOps); !errors.Is(err, ErrClosed) {
		t.Fatalf("GetAll after close: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	exercise(t, f)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if err := f.Put(ctx, TableOps, "op-1", "inbox\x1f0001", []byte(`{"id":"op-1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := f.Put(ctx, TableOps, "op-2", "inbox\x1f0002", []byte(`{"id":"op-2"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := f.Delete(ctx, TableOps, "op-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_ = f.Close()

	reopened, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.ScanIndex(ctx, TableOps, "inbox\x1f", "inbox\x1f"+IndexMax)
	if err != nil {
		t.Fatalf("ScanIndex: %v", err)
	}
	if want := []string{"op-2"}; !equalKeys(keys(got), want) {
		t.Fatalf("reopened rows = %v, want %v", keys(got), want)
	}
	if string(got[0].Value) != `{"id":"op-2"}` {
		t.Fatalf("value = %s", got[0].Value)
	}
}

func TestNewFileRejectsEmptyPath(t *testing.T) {
	if _, err := NewFile("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestInstrumentedDelegates(t *testing.T) {
	exercise(t, Instrument(NewMemory()))
}
