package compactor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lsmkv/lsmkv/pkg/entry"
	"github.com/lsmkv/lsmkv/pkg/sstable"
)

func mustCreate(t *testing.T, dir, name string, entries []entry.Entry) *sstable.SSTable {
	t.Helper()
	table, err := sstable.Create(filepath.Join(dir, name), entries, 0.01)
	if err != nil {
		t.Fatalf("sstable.Create(%s): %v", name, err)
	}
	return table
}

func TestCompactionMergesNewestWins(t *testing.T) {
	dir := t.TempDir()

	older := mustCreate(t, dir, "1.db", []entry.Entry{
		entry.FromDisk([]byte("a"), []byte("old"), 100, false),
		entry.FromDisk([]byte("b"), []byte("keep"), 100, false),
	})
	newer := mustCreate(t, dir, "2.db", []entry.Entry{
		entry.FromDisk([]byte("a"), []byte("new"), 200, false),
	})

	var (
		mu       sync.Mutex
		replaced []*sstable.SSTable
		merged   *sstable.SSTable
		done     = make(chan struct{})
	)
	c := New(dir, 0.01, 2, 4, func(r []*sstable.SSTable, m *sstable.SSTable) {
		mu.Lock()
		replaced, merged = r, m
		mu.Unlock()
		close(done)
	})
	c.Start(context.Background())
	defer c.Stop()

	// newest-first, per MaybeCompact's documented contract
	c.MaybeCompact([]*sstable.SSTable{newer, older})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("compaction did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replaced) != 2 {
		t.Fatalf("got %d replaced tables, want 2", len(replaced))
	}
	if merged == nil {
		t.Fatal("expected a merged table")
	}

	got, ok, err := merged.Get([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Get(a): ok=%v err=%v", ok, err)
	}
	if string(got.Value) != "new" {
		t.Fatalf("Get(a).Value = %q, want %q (newest should win)", got.Value, "new")
	}

	got, ok, err = merged.Get([]byte("b"))
	if err != nil || !ok || string(got.Value) != "keep" {
		t.Fatalf("Get(b) = %+v, ok=%v err=%v", got, ok, err)
	}
}

func TestCompactionOfAllTombstonesDeletesWithoutOutput(t *testing.T) {
	dir := t.TempDir()

	t1 := mustCreate(t, dir, "1.db", []entry.Entry{
		entry.FromDisk([]byte("a"), []byte("v"), 100, false),
	})
	t2 := mustCreate(t, dir, "2.db", []entry.Entry{
		entry.Tombstone([]byte("a")),
	})

	done := make(chan struct{})
	var merged *sstable.SSTable
	c := New(dir, 0.01, 2, 4, func(_ []*sstable.SSTable, m *sstable.SSTable) {
		merged = m
		close(done)
	})
	c.Start(context.Background())
	defer c.Stop()

	c.MaybeCompact([]*sstable.SSTable{t2, t1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("compaction did not complete in time")
	}

	if merged != nil {
		t.Fatal("expected no output table when every entry is a tombstone")
	}
}

func TestMaybeCompactBelowThresholdIsNoOp(t *testing.T) {
	dir := t.TempDir()
	table := mustCreate(t, dir, "1.db", []entry.Entry{entry.FromDisk([]byte("a"), []byte("v"), 1, false)})

	called := false
	c := New(dir, 0.01, 4, 4, func(_ []*sstable.SSTable, _ *sstable.SSTable) { called = true })
	c.Start(context.Background())
	defer c.Stop()

	c.MaybeCompact([]*sstable.SSTable{table})
	time.Sleep(50 * time.Millisecond)

	if called {
		t.Fatal("expected compaction not to run below the configured threshold")
	}
}
