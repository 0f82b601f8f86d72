// Package compactor implements size-tiered compaction: once a store
// accumulates enough SSTables, their entries are merged into a single
// new table, tombstones are dropped, and the old files are removed. This
// bounds the number of files a lookup has to bloom-check and keeps
// deleted keys from taking up disk space forever.
package compactor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/lsmkv/lsmkv/pkg/entry"
	"github.com/lsmkv/lsmkv/pkg/listener"
	"github.com/lsmkv/lsmkv/pkg/sstable"
)

// SwapFunc is called once a compaction run completes, so the caller can
// atomically replace replaced with merged in whatever list of live
// SSTables it maintains. merged is nil when every entry in replaced
// turned out to be a tombstone, meaning nothing survived compaction.
type SwapFunc func(replaced []*sstable.SSTable, merged *sstable.SSTable)

// Compactor runs merges on a single dedicated background goroutine, so
// at most one compaction is ever in flight at a time.
type Compactor struct {
	*listener.Listener[[]*sstable.SSTable]

	dir               string
	falsePositiveRate float64
	threshold         int

	triggerCh chan []*sstable.SSTable
	swap      SwapFunc
	running   bool
}

// New builds a Compactor that writes merged tables under dir. threshold
// is the minimum number of tables MaybeCompact requires before it
// triggers a run; queueSize bounds how many pending triggers can queue
// up behind an in-progress compaction.
func New(dir string, falsePositiveRate float64, threshold, queueSize int, swap SwapFunc) *Compactor {
	c := &Compactor{
		dir:               dir,
		falsePositiveRate: falsePositiveRate,
		threshold:         threshold,
		triggerCh:         make(chan []*sstable.SSTable, queueSize),
		swap:              swap,
	}
	c.Listener = listener.New("compactor", c.triggerCh, c.run)
	return c
}

// Start launches the background compaction goroutine.
func (c *Compactor) Start(ctx context.Context) {
	c.running = true
	c.Listener.Start(ctx)
}

// MaybeCompact triggers a compaction run over tables if it meets the
// configured threshold. tables should be ordered newest-first: when two
// tables disagree on a key at the same millisecond timestamp, the merge
// keeps whichever was seen first, so passing newest-first makes ties
// resolve in favor of the newer table. The call never blocks; if the
// trigger queue (queueSize deep) is full, the trigger is dropped. Each
// queued run merges exactly the tables it was handed, not any added
// after the trigger was queued.
func (c *Compactor) MaybeCompact(tables []*sstable.SSTable) {
	if len(tables) < c.threshold {
		return
	}
	select {
	case c.triggerCh <- tables:
	default:
		slog.Debug("compactor: trigger queue is full, dropping trigger")
	}
}

// Stop requests the background goroutine exit, waiting up to 10 seconds
// for any in-flight compaction to finish before giving up on it.
func (c *Compactor) Stop() {
	c.running = false

	done := make(chan struct{})
	go func() {
		c.Listener.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("compactor: graceful shutdown timed out after 10s, abandoning in-flight compaction")
	}
}

// run is the listener handler for the background compaction goroutine.
// It never returns a non-nil error: a failed compaction is logged and
// left for the next trigger to retry, the same way the reference
// implementation catches and logs rather than crashing its worker
// thread.
func (c *Compactor) run(tables []*sstable.SSTable) error {
	if err := c.compact(tables); err != nil {
		slog.Error("compactor: compaction failed", "error", err)
	}
	return nil
}

func (c *Compactor) compact(tables []*sstable.SSTable) error {
	if len(tables) == 0 || !c.running {
		return nil
	}

	slog.Info("compactor: starting compaction", "tables", len(tables))

	// winners holds, per key, whichever entry has the greatest
	// (timestamp, tie) among every table scanned so far — tombstone or
	// not. A tombstone must be able to win over an older live entry seen
	// later (an older table can still be scanned after a newer one's
	// tombstone), so nothing is removed from the map mid-scan; only the
	// final winners are filtered by Tombstone once every table has been
	// read.
	winners := make(map[string]entry.Entry)
	for _, t := range tables {
		entries, err := t.AllEntries()
		if err != nil {
			return fmt.Errorf("compactor: read %s: %w", t.Path(), err)
		}
		for _, e := range entries {
			existing, ok := winners[string(e.Key)]
			if ok && !e.NewerThan(existing) {
				continue
			}
			winners[string(e.Key)] = e
		}
	}

	sortedKeys := make([]string, 0, len(winners))
	for k, e := range winners {
		if e.Tombstone {
			continue
		}
		sortedKeys = append(sortedKeys, k)
	}

	if len(sortedKeys) == 0 {
		for _, t := range tables {
			if err := t.Delete(); err != nil {
				return fmt.Errorf("compactor: delete %s: %w", t.Path(), err)
			}
		}
		slog.Info("compactor: compaction complete, all entries were tombstones", "removed", len(tables))
		c.swap(tables, nil)
		return nil
	}

	sort.Slice(sortedKeys, func(i, j int) bool {
		return bytes.Compare([]byte(sortedKeys[i]), []byte(sortedKeys[j])) < 0
	})
	sortedEntries := make([]entry.Entry, 0, len(sortedKeys))
	for _, k := range sortedKeys {
		sortedEntries = append(sortedEntries, winners[k])
	}

	path := filepath.Join(c.dir, fmt.Sprintf("sstable_%d.db", time.Now().UnixNano()))
	newTable, err := sstable.Create(path, sortedEntries, c.falsePositiveRate)
	if err != nil {
		return fmt.Errorf("compactor: create merged table: %w", err)
	}

	for _, t := range tables {
		if err := t.Delete(); err != nil {
			return fmt.Errorf("compactor: delete %s: %w", t.Path(), err)
		}
	}

	slog.Info("compactor: compaction complete", "merged_tables", len(tables), "entries", len(sortedEntries))
	c.swap(tables, newTable)
	return nil
}
