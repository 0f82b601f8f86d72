// Package sstable implements the immutable, sorted, on-disk file a
// memtable is flushed into. Layout: a fixed 16-byte header, the sorted
// data region, a bloom filter blob, and a sparse index, in that order:
//
//	[bloom_size int64][index_size int64][data...][bloom...][index...]
//
// Each data record is key_len|key|value_len|value|timestamp|tombstone.
// The index maps every Nth key to its absolute byte offset in the file, so
// a point lookup only needs a bloom check, a binary search over the
// (small, in-memory) index, and a bounded linear scan.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lsmkv/lsmkv/pkg/bloom"
	"github.com/lsmkv/lsmkv/pkg/entry"
	"golang.org/x/sys/unix"
)

const headerSize = 16

// indexEntry maps a key to the absolute byte offset of its record in the
// file (the data region starts right after the 16-byte header).
type indexEntry struct {
	key    []byte
	offset int64
}

// SSTable is a handle to an on-disk sorted file. Only its bloom filter
// and sparse index are held in memory; entries are read from disk on
// demand.
type SSTable struct {
	path string

	bloom *bloom.Filter
	index []indexEntry

	dataOffset int64 // first byte of the data region
	dataEnd    int64 // first byte past the data region, cached at load time

	// lifecycle guards Delete against a concurrent reader: the compactor
	// can decide to remove a table's file at the same moment a lookup that
	// snapshotted the table list before the swap is still reading from it.
	lifecycle struct {
		mu       sync.Mutex
		refs     int
		deleted  bool
		unlinked bool
	}
}

// acquire marks the table as being read by the caller, returning false if
// the table has already been marked for deletion and must not be opened.
// Every acquire must be paired with a release.
func (t *SSTable) acquire() bool {
	t.lifecycle.mu.Lock()
	defer t.lifecycle.mu.Unlock()
	if t.lifecycle.deleted {
		return false
	}
	t.lifecycle.refs++
	return true
}

func (t *SSTable) release() {
	t.lifecycle.mu.Lock()
	t.lifecycle.refs--
	shouldUnlink := t.lifecycle.refs == 0 && t.lifecycle.deleted && !t.lifecycle.unlinked
	if shouldUnlink {
		t.lifecycle.unlinked = true
	}
	t.lifecycle.mu.Unlock()

	if shouldUnlink {
		if err := t.unlink(); err != nil {
			slog.Warn("sstable: deferred delete failed", "path", t.path, "error", err)
		}
	}
}

// Path returns the file this table is backed by.
func (t *SSTable) Path() string {
	return t.path
}

// Create writes entries (which must already be sorted ascending by key,
// as memtable.Snapshot produces) to a new SSTable at path, sized for a
// bloom filter with the given target false-positive rate (a fraction,
// e.g. 0.01 for 1%). The file is written to a temporary path and renamed
// into place atomically once complete, so a crash mid-write never leaves
// a partial file at the final path.
func Create(path string, entries []entry.Entry, falsePositiveRate float64) (*SSTable, error) {
	n := len(entries)
	if n == 0 {
		return nil, fmt.Errorf("sstable: cannot create an empty table")
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sstable: create temp file: %w", err)
	}
	ok := false
	defer func() {
		_ = file.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(file)
	if _, err := w.Write(make([]byte, headerSize)); err != nil {
		return nil, fmt.Errorf("sstable: reserve header: %w", err)
	}

	filter := bloom.New(n, falsePositiveRate)
	index := make([]indexEntry, 0, n/100+1)

	interval := (n + 99) / 100
	if interval < 1 {
		interval = 1
	}

	offset := int64(headerSize)
	for i, e := range entries {
		filter.Add(e.Key)
		if i%interval == 0 {
			index = append(index, indexEntry{key: e.Key, offset: offset})
		}
		n, err := writeRecord(w, e)
		if err != nil {
			return nil, fmt.Errorf("sstable: write record: %w", err)
		}
		offset += int64(n)
	}
	dataEnd := offset

	bloomBytes := filter.Bytes()
	if _, err := w.Write(bloomBytes); err != nil {
		return nil, fmt.Errorf("sstable: write bloom filter: %w", err)
	}

	indexSize, err := writeIndex(w, index)
	if err != nil {
		return nil, fmt.Errorf("sstable: write index: %w", err)
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("sstable: flush: %w", err)
	}

	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[0:8], uint64(len(bloomBytes)))
	binary.BigEndian.PutUint64(header[8:16], uint64(indexSize))
	if _, err := file.WriteAt(header, 0); err != nil {
		return nil, fmt.Errorf("sstable: backpatch header: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("sstable: rename into place: %w", err)
	}
	syncDir(filepath.Dir(path))
	ok = true

	return &SSTable{
		path:       path,
		bloom:      filter,
		index:      index,
		dataOffset: headerSize,
		dataEnd:    dataEnd,
	}, nil
}

// syncDir fsyncs a directory so that a preceding rename into it is
// durable across a crash: on Linux, a rename only becomes crash-safe
// once the directory entry itself has been synced, not just the file's
// own data.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		slog.Warn("sstable: failed to open directory for fsync", "dir", dir, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	if err := unix.Fsync(int(f.Fd())); err != nil {
		slog.Warn("sstable: failed to fsync directory", "dir", dir, "error", err)
	}
}

// Load opens an existing SSTable file and reads its bloom filter and
// index into memory. dataEnd is derived once here from the header sizes
// and the file's length, and cached: callers never need to re-derive it
// by re-reading the header on every subsequent scan.
func Load(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return nil, fmt.Errorf("sstable: read header: %w", err)
	}
	bloomSize := int64(binary.BigEndian.Uint64(header[0:8]))
	indexSize := int64(binary.BigEndian.Uint64(header[8:16]))

	fileLen := info.Size()
	dataEnd := fileLen - bloomSize - indexSize
	if dataEnd < headerSize || bloomSize < 0 || indexSize < 0 {
		return nil, fmt.Errorf("sstable: %s: inconsistent header (file_len=%d bloom=%d index=%d)", path, fileLen, bloomSize, indexSize)
	}

	if _, err := file.Seek(dataEnd, io.SeekStart); err != nil {
		return nil, fmt.Errorf("sstable: seek to bloom region: %w", err)
	}
	bloomBytes := make([]byte, bloomSize)
	if _, err := io.ReadFull(file, bloomBytes); err != nil {
		return nil, fmt.Errorf("sstable: read bloom filter: %w", err)
	}
	filter, err := bloom.Parse(bloomBytes)
	if err != nil {
		return nil, fmt.Errorf("sstable: parse bloom filter: %w", err)
	}

	index, err := readIndex(file)
	if err != nil {
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}

	return &SSTable{
		path:       path,
		bloom:      filter,
		index:      index,
		dataOffset: headerSize,
		dataEnd:    dataEnd,
	}, nil
}

// Get looks up key: (zero, false, nil) means the key is definitely not
// in this table. The bloom filter first rules out most misses without
// touching disk; a hit still needs the scan to confirm, since a bloom
// filter can false-positive.
func (t *SSTable) Get(key []byte) (entry.Entry, bool, error) {
	if !t.bloom.MightContain(key) {
		return entry.Entry{}, false, nil
	}
	if !t.acquire() {
		// Compacted away between the caller's table-list snapshot and this
		// call: the key, if it survived, is in the compaction's output,
		// which the caller will also have in its snapshot or will see on
		// the next lookup.
		return entry.Entry{}, false, nil
	}
	defer t.release()

	file, err := os.Open(t.path)
	if err != nil {
		return entry.Entry{}, false, fmt.Errorf("sstable: open for read: %w", err)
	}
	defer func() { _ = file.Close() }()

	start := t.floorOffset(key)
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return entry.Entry{}, false, fmt.Errorf("sstable: seek: %w", err)
	}

	r := bufio.NewReader(file)
	pos := start
	for pos < t.dataEnd {
		e, n, err := readRecord(r)
		if err != nil {
			return entry.Entry{}, false, fmt.Errorf("sstable: read record: %w", err)
		}
		pos += int64(n)

		cmp := bytes.Compare(e.Key, key)
		switch {
		case cmp == 0:
			return e, true, nil
		case cmp > 0:
			return entry.Entry{}, false, nil
		}
	}
	return entry.Entry{}, false, nil
}

// AllEntries reads and returns every record in the data region, in file
// order (ascending by key). Used by the compactor to merge tables.
func (t *SSTable) AllEntries() ([]entry.Entry, error) {
	if !t.acquire() {
		return nil, fmt.Errorf("sstable: %s: already deleted", t.path)
	}
	defer t.release()

	file, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open for read: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(t.dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("sstable: seek to data region: %w", err)
	}

	r := bufio.NewReader(file)
	out := make([]entry.Entry, 0, len(t.index)*2)
	pos := t.dataOffset
	for pos < t.dataEnd {
		e, n, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("sstable: read record: %w", err)
		}
		pos += int64(n)
		out = append(out, e)
	}
	return out, nil
}

// Delete marks the table for removal. If a Get or AllEntries call is
// currently in flight against this table, the actual unlink is deferred
// until that call releases it, so a reader that snapshotted the table
// list just before a compaction swap never sees a "file not found" error.
// Calling Delete more than once is not an error.
func (t *SSTable) Delete() error {
	t.lifecycle.mu.Lock()
	t.lifecycle.deleted = true
	shouldUnlink := t.lifecycle.refs == 0 && !t.lifecycle.unlinked
	if shouldUnlink {
		t.lifecycle.unlinked = true
	}
	t.lifecycle.mu.Unlock()

	if !shouldUnlink {
		return nil
	}
	return t.unlink()
}

func (t *SSTable) unlink() error {
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sstable: delete: %w", err)
	}
	return nil
}

// floorOffset returns the largest indexed offset whose key is <= key, or
// the start of the data region if key sorts before every indexed key.
func (t *SSTable) floorOffset(key []byte) int64 {
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) > 0
	})
	if i == 0 {
		return t.dataOffset
	}
	return t.index[i-1].offset
}

func writeRecord(w io.Writer, e entry.Entry) (int, error) {
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(e.Key); err != nil {
		return 0, err
	}

	value := e.Value
	if e.Tombstone {
		value = nil
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(value); err != nil {
		return 0, err
	}

	var metaBuf [9]byte
	binary.BigEndian.PutUint64(metaBuf[0:8], uint64(e.Timestamp))
	if e.Tombstone {
		metaBuf[8] = 1
	}
	if _, err := w.Write(metaBuf[:]); err != nil {
		return 0, err
	}

	return 4 + len(e.Key) + 4 + len(value) + 9, nil
}

func readRecord(r io.Reader) (entry.Entry, int, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return entry.Entry{}, 0, err
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[:])
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return entry.Entry{}, 0, err
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return entry.Entry{}, 0, err
	}
	valueLen := binary.BigEndian.Uint32(lenBuf[:])
	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return entry.Entry{}, 0, err
		}
	}

	var metaBuf [9]byte
	if _, err := io.ReadFull(r, metaBuf[:]); err != nil {
		return entry.Entry{}, 0, err
	}
	timestamp := int64(binary.BigEndian.Uint64(metaBuf[0:8]))
	tombstone := metaBuf[8] != 0

	n := 4 + int(keyLen) + 4 + int(valueLen) + 9
	return entry.FromDisk(key, value, timestamp, tombstone), n, nil
}

func writeIndex(w io.Writer, index []indexEntry) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(index)))
	if _, err := w.Write(buf[:]); err != nil {
		return 0, err
	}
	size := 4

	for _, e := range index {
		binary.BigEndian.PutUint32(buf[:], uint32(len(e.key)))
		if _, err := w.Write(buf[:]); err != nil {
			return 0, err
		}
		if _, err := w.Write(e.key); err != nil {
			return 0, err
		}
		var offBuf [8]byte
		binary.BigEndian.PutUint64(offBuf[:], uint64(e.offset))
		if _, err := w.Write(offBuf[:]); err != nil {
			return 0, err
		}
		size += 4 + len(e.key) + 8
	}

	return size, nil
}

func readIndex(r io.Reader) ([]indexEntry, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(buf[:])

	index := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		keyLen := binary.BigEndian.Uint32(buf[:])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return nil, err
		}
		offset := int64(binary.BigEndian.Uint64(offBuf[:]))
		index = append(index, indexEntry{key: key, offset: offset})
	}
	return index, nil
}
