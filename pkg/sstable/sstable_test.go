package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lsmkv/lsmkv/pkg/entry"
)

func makeEntries(n int) []entry.Entry {
	out := make([]entry.Entry, 0, n)
	for i := 0; i < n; i++ {
		key := []byte{byte('a' + i%26), byte(i / 26)}
		out = append(out, entry.FromDisk(key, []byte("value"), int64(i), false))
	}
	// keep them sorted, as memtable.Snapshot would produce
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && string(out[j-1].Key) > string(out[j].Key); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func TestCreateAndGet(t *testing.T) {
	dir := t.TempDir()
	entries := []entry.Entry{
		entry.FromDisk([]byte("a"), []byte("1"), 10, false),
		entry.FromDisk([]byte("b"), []byte("2"), 20, false),
		entry.FromDisk([]byte("c"), nil, 30, true),
	}

	table, err := Create(filepath.Join(dir, "000001.sst"), entries, 0.01)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := table.Get([]byte("b"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got.Value) != "2" {
		t.Fatalf("Get(b) = %+v, %v", got, ok)
	}

	tomb, ok, err := table.Get([]byte("c"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || !tomb.Tombstone {
		t.Fatalf("expected tombstone for c, got %+v, %v", tomb, ok)
	}

	_, ok, err = table.Get([]byte("z"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(300)
	path := filepath.Join(dir, "000001.sst")

	if _, err := Create(path, entries, 0.01); err != nil {
		t.Fatalf("Create: %v", err)
	}

	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, e := range entries {
		got, ok, err := table.Get(e.Key)
		if err != nil {
			t.Fatalf("Get(%q): %v", e.Key, err)
		}
		if !ok {
			t.Fatalf("Get(%q): not found after load", e.Key)
		}
		if string(got.Value) != string(e.Value) {
			t.Fatalf("Get(%q) = %q, want %q", e.Key, got.Value, e.Value)
		}
	}
}

func TestAllEntriesReturnsEverything(t *testing.T) {
	dir := t.TempDir()
	entries := makeEntries(50)
	path := filepath.Join(dir, "000001.sst")

	table, err := Create(path, entries, 0.01)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	all, err := table.AllEntries()
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	if len(all) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(all), len(entries))
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	table, err := Create(path, []entry.Entry{entry.FromDisk([]byte("a"), []byte("1"), 1, false)}, 0.01)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := table.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := table.Delete(); err != nil {
		t.Fatalf("second Delete should be a no-op, got: %v", err)
	}
}

func TestDeleteDefersWhileReaderHoldsTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	table, err := Create(path, []entry.Entry{entry.FromDisk([]byte("a"), []byte("1"), 1, false)}, 0.01)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !table.acquire() {
		t.Fatal("acquire on a live table should succeed")
	}

	if err := table.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to still exist while a reader holds it, stat: %v", err)
	}

	table.release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed once the last reader released it, stat err: %v", err)
	}

	if table.acquire() {
		t.Fatal("acquire on a deleted table should fail")
	}
}

func TestCreateRejectsEmptyEntrySet(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create(filepath.Join(dir, "empty.sst"), nil, 0.01); err == nil {
		t.Fatal("expected error creating an SSTable with no entries")
	}
}
