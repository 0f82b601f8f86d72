// Package store assembles the write-ahead log, memtable, SSTables, and
// compactor into the public key-value interface: Open, Put, Get,
// Delete, Stats and Close.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsmkv/lsmkv/pkg/compactor"
	"github.com/lsmkv/lsmkv/pkg/config"
	"github.com/lsmkv/lsmkv/pkg/dberrors"
	"github.com/lsmkv/lsmkv/pkg/entry"
	"github.com/lsmkv/lsmkv/pkg/memtable"
	"github.com/lsmkv/lsmkv/pkg/sstable"
	"github.com/lsmkv/lsmkv/pkg/wal"
)

// Stats is a point-in-time snapshot of the store's internal state,
// returned by Stats() and rendered by the demo HTTP server's /stats
// endpoint.
type Stats struct {
	ActiveMemtableEntries    int
	ActiveMemtableSizeBytes  int64
	HasImmutableMemtable     bool
	ImmutableMemtableEntries int
	SSTableCount             int
}

// Store is the public LSM key-value store.
type Store struct {
	cfg config.StoreConfig

	mu         sync.RWMutex // guards active and immutable
	active     *memtable.Memtable
	immutable  *memtable.Memtable
	rotateCond *sync.Cond // signaled whenever immutable transitions to nil

	sstablesMu sync.Mutex
	sstables   []*sstable.SSTable // ascending by creation order, oldest first

	wal       *wal.WAL
	compactor *compactor.Compactor

	flushCh chan *memtable.Memtable
	flushWg sync.WaitGroup

	cancel context.CancelFunc
	closed atomic.Bool
}

// Open initializes (or recovers) a store rooted at cfg.DataDirectory: it
// replays the WAL into a fresh memtable, loads any SSTables already on
// disk, and starts the background flush and compaction workers.
func Open(cfg config.StoreConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDirectory, 0o750); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.SSTableDir(), 0o750); err != nil {
		return nil, fmt.Errorf("store: create sstable directory: %w", err)
	}

	w, err := wal.Open(cfg.WALPath())
	if err != nil {
		return nil, fmt.Errorf("store: open wal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	s := &Store{
		cfg:     cfg,
		active:  memtable.New(),
		wal:     w,
		flushCh: make(chan *memtable.Memtable),
		cancel:  cancel,
	}
	s.rotateCond = sync.NewCond(&s.mu)

	if err := s.recover(); err != nil {
		cancel()
		return nil, fmt.Errorf("store: recover from wal: %w", err)
	}
	if err := s.loadSSTables(); err != nil {
		cancel()
		return nil, fmt.Errorf("store: load sstables: %w", err)
	}

	s.compactor = compactor.New(cfg.SSTableDir(), cfg.BloomFilterFraction(), cfg.CompactionThreshold, cfg.CompactionWorkerQueueSize, s.swapCompacted)
	s.compactor.Start(ctx)

	s.flushWg.Add(1)
	go s.runFlushWorker(ctx)

	return s, nil
}

// recover replays the WAL into the active memtable. It runs before any
// SSTables are loaded, so a crash between "WAL cleared" and "flush
// durably renamed" can never happen: by the time the WAL is cleared the
// new SSTable is already on disk (see flush).
func (s *Store) recover() error {
	var count int
	err := s.wal.Replay(func(e entry.Entry) error {
		s.active.Put(e)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if count > 0 {
		slog.Info("store: recovered entries from wal", "count", count)
	}
	return nil
}

// loadSSTables opens every *.db file under the sstable directory,
// oldest first by filename (filenames encode creation time, so
// lexicographic order is chronological order).
func (s *Store) loadSSTables() error {
	entries, err := os.ReadDir(s.cfg.SSTableDir())
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		table, err := sstable.Load(filepath.Join(s.cfg.SSTableDir(), name))
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		s.sstables = append(s.sstables, table)
	}
	if len(s.sstables) > 0 {
		slog.Info("store: loaded sstables from disk", "count", len(s.sstables))
	}
	return nil
}

// Put stores value under key, overwriting any existing value.
func (s *Store) Put(key, value []byte) error {
	if len(key) == 0 {
		return dberrors.ErrInvalidArgument
	}
	if value == nil {
		return dberrors.ErrInvalidArgument
	}
	return s.write(entry.New(key, value))
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	if len(key) == 0 {
		return dberrors.ErrInvalidArgument
	}
	return s.write(entry.Tombstone(key))
}

func (s *Store) write(e entry.Entry) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	if err := s.wal.Append(e); err != nil {
		return fmt.Errorf("%w: %w", dberrors.ErrIO, err)
	}

	s.mu.Lock()
	s.active.Put(e)
	if s.active.SizeBytes() < int64(s.cfg.MemtableMaxSize) {
		s.mu.Unlock()
		return nil
	}
	// Still holding the write lock: the decision to rotate and the swap
	// itself happen as one step, so two Puts that each observe the active
	// memtable over threshold can never both act on it. rotateLocked
	// releases s.mu itself before returning.
	return s.rotateLocked()
}

// Get returns the value stored for key. The second return value is
// false when the key does not exist; a missing key is never an error.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, dberrors.ErrInvalidArgument
	}
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}

	s.mu.RLock()
	if e, ok := s.active.Get(key); ok {
		s.mu.RUnlock()
		return valueOf(e)
	}
	if s.immutable != nil {
		if e, ok := s.immutable.Get(key); ok {
			s.mu.RUnlock()
			return valueOf(e)
		}
	}
	s.mu.RUnlock()

	s.sstablesMu.Lock()
	tables := make([]*sstable.SSTable, len(s.sstables))
	copy(tables, s.sstables)
	s.sstablesMu.Unlock()

	for i := len(tables) - 1; i >= 0; i-- {
		e, ok, err := tables[i].Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %w", dberrors.ErrIO, err)
		}
		if ok {
			return valueOf(e)
		}
	}

	return nil, false, nil
}

func valueOf(e entry.Entry) ([]byte, bool, error) {
	if e.Tombstone {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// rotateLocked swaps the active memtable out for flushing and starts a
// fresh one. Callers must hold s.mu (write-locked) on entry; rotateLocked
// always releases it before returning.
//
// At most one immutable memtable ever exists: if the previous rotation's
// immutable hasn't been claimed by the flush worker yet, rotateLocked
// waits on rotateCond rather than flushing it itself, since the worker is
// (or is about to be) doing exactly that — flushing the same memtable
// from two goroutines at once would durably write it to two SSTable
// files. Waiting also means the "is the active memtable full" decision
// and the swap that acts on it never straddle an unlock, so two Puts that
// cross memtable_max_size back-to-back can't both rotate the same table.
func (s *Store) rotateLocked() error {
	for s.immutable != nil {
		s.rotateCond.Wait()
	}
	if s.closed.Load() {
		s.mu.Unlock()
		return dberrors.ErrClosed
	}

	imm := s.active
	s.active = memtable.New()
	s.immutable = imm
	s.mu.Unlock()

	s.flushCh <- imm
	return nil
}

func (s *Store) runFlushWorker(ctx context.Context) {
	defer s.flushWg.Done()
	for {
		select {
		case imm := <-s.flushCh:
			if err := s.flush(imm); err != nil {
				slog.Error("store: background flush failed", "error", err)
			}
			s.mu.Lock()
			if s.immutable == imm {
				s.immutable = nil
			}
			s.rotateCond.Broadcast()
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// flush writes imm's entries out to a new SSTable and adds it to the
// live table list. The WAL is only cleared once the new file has been
// durably renamed into place: clearing it any earlier would open a
// window where a crash loses both the WAL record and the not-yet-durable
// SSTable, which is exactly the durability gap the reference
// implementation's "clear WAL, then flush in the background" ordering
// has.
func (s *Store) flush(imm *memtable.Memtable) error {
	if imm.IsEmpty() {
		return nil
	}

	entries := imm.Snapshot()
	path := filepath.Join(s.cfg.SSTableDir(), fmt.Sprintf("sstable_%d.db", time.Now().UnixNano()))

	table, err := sstable.Create(path, entries, s.cfg.BloomFilterFraction())
	if err != nil {
		return fmt.Errorf("create sstable: %w", err)
	}

	s.sstablesMu.Lock()
	s.sstables = append(s.sstables, table)
	snapshot := make([]*sstable.SSTable, len(s.sstables))
	copy(snapshot, s.sstables)
	s.sstablesMu.Unlock()

	if err := s.wal.Clear(); err != nil {
		return fmt.Errorf("clear wal after flush: %w", err)
	}

	slog.Info("store: flushed memtable to sstable", "path", path, "entries", len(entries))

	newestFirst := make([]*sstable.SSTable, len(snapshot))
	for i, t := range snapshot {
		newestFirst[len(snapshot)-1-i] = t
	}
	s.compactor.MaybeCompact(newestFirst)

	return nil
}

// swapCompacted is the compactor's SwapFunc: it replaces the tables
// that went into a compaction run with the single merged table it
// produced (or removes them outright if merged is nil).
func (s *Store) swapCompacted(replaced []*sstable.SSTable, merged *sstable.SSTable) {
	replacedSet := make(map[*sstable.SSTable]bool, len(replaced))
	for _, t := range replaced {
		replacedSet[t] = true
	}

	s.sstablesMu.Lock()
	kept := s.sstables[:0]
	for _, t := range s.sstables {
		if !replacedSet[t] {
			kept = append(kept, t)
		}
	}
	if merged != nil {
		kept = append(kept, merged)
	}
	s.sstables = kept
	s.sstablesMu.Unlock()
}

// Stats returns a snapshot of the store's current internal state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	stats := Stats{
		ActiveMemtableEntries:   s.active.EntryCount(),
		ActiveMemtableSizeBytes: s.active.SizeBytes(),
		HasImmutableMemtable:    s.immutable != nil,
	}
	if s.immutable != nil {
		stats.ImmutableMemtableEntries = s.immutable.EntryCount()
	}
	s.mu.RUnlock()

	s.sstablesMu.Lock()
	stats.SSTableCount = len(s.sstables)
	s.sstablesMu.Unlock()

	return stats
}

// Close flushes any unflushed data to disk, stops the background
// workers, and releases the WAL file handle. Close is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	active := s.active
	immutable := s.immutable
	s.mu.Unlock()

	if !active.IsEmpty() {
		if err := s.flush(active); err != nil {
			return fmt.Errorf("store: flush active memtable on close: %w", err)
		}
	}
	if immutable != nil && !immutable.IsEmpty() {
		if err := s.flush(immutable); err != nil {
			return fmt.Errorf("store: flush immutable memtable on close: %w", err)
		}
	}

	// Wake any Put still waiting on rotateCond for this immutable before
	// closed was observed; it will see closed on its next check and stop
	// waiting on the store rather than block forever.
	s.mu.Lock()
	if s.immutable == immutable {
		s.immutable = nil
	}
	s.rotateCond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	s.flushWg.Wait()
	s.compactor.Stop()
	s.wal.Stop()

	if err := s.wal.Close(); err != nil {
		return fmt.Errorf("store: close wal: %w", err)
	}
	return nil
}
