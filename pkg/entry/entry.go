// Package entry defines the immutable record every layer of the store
// passes around: the WAL logs entries, the memtable indexes them, and the
// SSTable persists them.
package entry

import (
	"bytes"
	"sync/atomic"
)

// tieCounter breaks ordering ties between entries the process itself
// writes within the same millisecond. It is not a general-purpose clock
// shared across unrelated subsystems: Entry is its only consumer, so the
// counter lives here rather than behind its own package. Unlike the
// sequence number the WAL/SSTable formats persist in a system built for
// crash recovery across restarts, this counter is never written to disk
// and never restored — the WAL line format (spec.md's
// key|value|timestamp|tombstone layout) has no field for it, and a fresh
// counter starting at zero on every process start is correct because ties
// only need resolving among entries still in memory, before either one
// has reached disk. Once an entry is read back via FromDisk, only its
// persisted timestamp is meaningful for ordering.
var tieCounter atomic.Uint64

// Entry is a single immutable key/value record. A tombstone entry carries
// no value and marks the key deleted as of Timestamp.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp int64 // milliseconds since the Unix epoch
	Tombstone bool

	tie uint64 // process-local ordering tiebreaker, never persisted
}

// nowMs is overridable in tests that need deterministic timestamps.
var nowMs = defaultNowMs

// New creates a live (non-tombstone) entry timestamped at the current wall
// clock time.
func New(key, value []byte) Entry {
	return Entry{
		Key:       key,
		Value:     value,
		Timestamp: nowMs(),
		Tombstone: false,
		tie:       tieCounter.Add(1),
	}
}

// Tombstone creates a deletion marker for key.
func Tombstone(key []byte) Entry {
	return Entry{
		Key:       key,
		Value:     nil,
		Timestamp: nowMs(),
		Tombstone: true,
		tie:       tieCounter.Add(1),
	}
}

// FromDisk reconstructs an Entry read back from the WAL or an SSTable. It
// has no in-process tie value: entries read from disk are ordered purely
// by their persisted timestamp, since the tie counter that resolved
// same-millisecond collisions at write time only exists for the lifetime
// of the process that created them.
func FromDisk(key, value []byte, timestampMs int64, tombstone bool) Entry {
	return Entry{Key: key, Value: value, Timestamp: timestampMs, Tombstone: tombstone}
}

// Less orders entries by key ascending, then by timestamp descending
// (newer first); entries created in the same process within the same
// millisecond are further broken by insertion order via the tie counter.
func (e Entry) Less(other Entry) bool {
	if c := bytes.Compare(e.Key, other.Key); c != 0 {
		return c < 0
	}
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.tie > other.tie
}

// NewerThan reports whether e should win over other when both name the
// same key, following the same (timestamp, tie) precedence as Less.
func (e Entry) NewerThan(other Entry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp > other.Timestamp
	}
	return e.tie > other.tie
}

// EstimatedSize approximates the memtable footprint of e: key length plus
// value length plus a fixed 9-byte metadata overhead (8-byte timestamp,
// 1-byte tombstone flag), matching spec.md's estimator.
func (e Entry) EstimatedSize() int {
	return len(e.Key) + len(e.Value) + 9
}
