package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lsmkv/lsmkv/pkg/config"
)

func testConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	return config.StoreConfig{
		DataDirectory:                t.TempDir(),
		MemtableMaxSize:              1 << 20, // large enough that ordinary tests never rotate
		SSTableMaxSize:               10 << 20,
		BloomFilterFalsePositiveRate: 1,
		CompactionThreshold:          4,
		CompactionWorkerQueueSize:    8,
	}
}

func openTestStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t, testConfig(t))

	if err := s.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get([]byte("k"))
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	if err := s.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = s.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if ok {
		t.Fatal("expected key to be absent after Delete")
	}
}

func TestGetMissingKeyIsNotAnError(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	_, ok, err := s.Get([]byte("nope"))
	if err != nil {
		t.Fatalf("expected no error for a missing key, got %v", err)
	}
	if ok {
		t.Fatal("expected missing key to be absent")
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	if err := s.Put(nil, []byte("v")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestReadYourWritesAcrossRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableMaxSize = 1 // force every Put to rotate immediately
	s := openTestStore(t, cfg)

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if err := s.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		_, ok, err := s.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !ok {
			t.Fatalf("Get(%s): expected present after rotation-heavy writes", key)
		}
	}
}

func TestNewestValueWinsAfterOverwriteAndRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableMaxSize = 1
	s := openTestStore(t, cfg)

	if err := s.Put([]byte("k"), []byte("old")); err != nil {
		t.Fatalf("Put old: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := s.Put([]byte("k"), []byte("new")); err != nil {
		t.Fatalf("Put new: %v", err)
	}

	got, ok, err := s.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v", ok, err)
	}
	if string(got) != "new" {
		t.Fatalf("Get = %q, want %q", got, "new")
	}
}

// TestConcurrentPutsDuringRotationAreConsistent guards against a
// regression where two Puts that cross memtable_max_size at the same
// time could both trigger a rotation of the same memtable, racing the
// background flush worker into flushing it twice. A tiny MemtableMaxSize
// forces every writer here to contend for rotation.
func TestConcurrentPutsDuringRotationAreConsistent(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableMaxSize = 24
	s := openTestStore(t, cfg)

	const writers = 20
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		go func(id int) {
			key := []byte(fmt.Sprintf("concurrent_key_%02d", id))
			value := []byte(fmt.Sprintf("concurrent_value_%02d", id))
			errs <- s.Put(key, value)
		}(i)
	}

	for i := 0; i < writers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Put failed: %v", err)
		}
	}

	for i := 0; i < writers; i++ {
		key := []byte(fmt.Sprintf("concurrent_key_%02d", i))
		want := fmt.Sprintf("concurrent_value_%02d", i)

		got, ok, err := s.Get(key)
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !ok {
			t.Fatalf("Get(%s): expected present after concurrent writes", key)
		}
		if string(got) != want {
			t.Fatalf("Get(%s) = %q, want %q", key, got, want)
		}
	}
}

func TestCrashRecoveryReplaysUnflushedWAL(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Simulate a crash: drop the reference without calling Close, so the
	// data only survives if the WAL already made it durable.
	s.cancel()
	s.wal.Stop()
	_ = s.wal.Close()

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		got, ok, err := reopened.Get([]byte(k))
		if err != nil || !ok || string(got) != want {
			t.Fatalf("Get(%s) = %q, %v, %v; want %q", k, got, ok, err, want)
		}
	}
}

func TestFlushedDataSurvivesReopenAndWALIsCleared(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableMaxSize = 1
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, ok, err := reopened.Get([]byte("a"))
	if err != nil || !ok || string(got) != "1" {
		t.Fatalf("Get(a) = %q, %v, %v", got, ok, err)
	}
	if reopened.Stats().SSTableCount == 0 {
		t.Fatal("expected at least one sstable to have been loaded on reopen")
	}
	if n := reopened.Stats().ActiveMemtableEntries; n != 0 {
		t.Fatalf("expected the WAL to be cleared after the flush, but %d entries were replayed", n)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.Put([]byte("k"), []byte("v")); err == nil {
		t.Fatal("expected Put to fail after Close")
	}
	if _, _, err := s.Get([]byte("k")); err == nil {
		t.Fatal("expected Get to fail after Close")
	}

	// Close must be idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCompactionEventuallyReducesSSTableCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemtableMaxSize = 1
	cfg.CompactionThreshold = 3
	s := openTestStore(t, cfg)

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if err := s.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().SSTableCount < 10 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected compaction to reduce sstable count below 10, got %d", s.Stats().SSTableCount)
}

func TestStatsReportsMemtableAndSSTableState(t *testing.T) {
	s := openTestStore(t, testConfig(t))
	if err := s.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stats := s.Stats()
	if stats.ActiveMemtableEntries != 1 {
		t.Fatalf("ActiveMemtableEntries = %d, want 1", stats.ActiveMemtableEntries)
	}
	if stats.ActiveMemtableSizeBytes == 0 {
		t.Fatal("expected non-zero ActiveMemtableSizeBytes")
	}
	if stats.SSTableCount != 0 {
		t.Fatalf("SSTableCount = %d, want 0 before any flush", stats.SSTableCount)
	}
}

func TestSSTableDirLayout(t *testing.T) {
	cfg := testConfig(t)
	if got, want := cfg.SSTableDir(), filepath.Join(cfg.DataDirectory, "sstables"); got != want {
		t.Fatalf("SSTableDir() = %q, want %q", got, want)
	}
}
