// Package memtable implements the in-memory, key-ordered buffer that
// absorbs writes before they are flushed to an SSTable. A Memtable holds
// at most one entry per key: a later Put or Delete for the same key
// simply replaces the earlier one, since only the newest version of a key
// still in memory is ever useful.
//
// Rotation (swapping a full memtable out for flushing and starting a new
// empty one) is not this package's concern: it belongs to pkg/store, which
// is the only place that knows about the WAL and SSTables a rotation must
// coordinate with.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/lsmkv/lsmkv/pkg/entry"
	"github.com/zhangyunhao116/skipmap"
)

type orderedMap = skipmap.FuncMap[[]byte, entry.Entry]

// Memtable is a concurrent, key-ordered map from key to its most recent
// entry, with an approximate running size in bytes.
type Memtable struct {
	data      *orderedMap
	sizeBytes atomic.Int64
}

// New returns an empty Memtable.
func New() *Memtable {
	return &Memtable{
		data: skipmap.NewFunc[[]byte, entry.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Put inserts or overwrites e, keyed on e.Key. e may be a live value or a
// tombstone; the memtable does not distinguish between the two beyond
// tracking size, since a tombstone is just another (small) versioned
// entry until compaction discards it.
//
// Put itself only serializes the single map write; the store is
// responsible for serializing concurrent Puts against the same key so
// that the running size estimate stays accurate (it holds the memtable
// write lock while doing so).
func (m *Memtable) Put(e entry.Entry) {
	newSize := int64(e.EstimatedSize())
	if old, wasPresent := m.data.Load(e.Key); wasPresent {
		newSize -= int64(old.EstimatedSize())
	}
	m.data.Store(e.Key, e)
	m.sizeBytes.Add(newSize)
}

// Get returns the entry stored for key, if any.
func (m *Memtable) Get(key []byte) (entry.Entry, bool) {
	return m.data.Load(key)
}

// SizeBytes reports the approximate memory footprint of all entries
// currently held, per entry.EstimatedSize.
func (m *Memtable) SizeBytes() int64 {
	return m.sizeBytes.Load()
}

// EntryCount reports the number of distinct keys held.
func (m *Memtable) EntryCount() int {
	return m.data.Len()
}

// IsEmpty reports whether the memtable holds no entries.
func (m *Memtable) IsEmpty() bool {
	return m.data.Len() == 0
}

// Snapshot returns every entry currently held, in ascending key order.
// The result is a point-in-time copy: subsequent Puts do not affect it.
func (m *Memtable) Snapshot() []entry.Entry {
	out := make([]entry.Entry, 0, m.data.Len())
	m.data.Range(func(_ []byte, e entry.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}
