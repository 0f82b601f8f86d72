// Package wal implements the write-ahead log every mutation passes through
// before it is applied to the memtable: a line-oriented, human-readable
// text format that trades a few bytes of overhead for a recovery path that
// is easy to reason about and easy to hand-inspect after a crash.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lsmkv/lsmkv/pkg/entry"
	"github.com/lsmkv/lsmkv/pkg/listener"
)

// writeReq pairs an entry with the channel its writer goroutine acks on,
// so Append can block the caller until the entry is durably on disk.
type writeReq struct {
	entry entry.Entry
	ack   chan error
}

// WAL serializes every Append through a single background goroutine (via
// listener.Listener), so concurrent callers never race on the underlying
// file, and each call still blocks until its entry has been flushed and
// fsynced.
type WAL struct {
	*listener.Listener[writeReq]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string

	inputCh chan writeReq
}

// Open creates or reopens the WAL file at path, which is created (along
// with any missing parent directories) if it does not already exist.
func Open(path string) (*WAL, error) {
	if path == "" {
		return nil, fmt.Errorf("wal: empty path")
	}
	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("wal: create directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: path,
		inputCh:  make(chan writeReq, 8),
	}
	w.Listener = listener.New("wal-writer", w.inputCh, w.handleWrite)
	return w, nil
}

// Append durably persists e to the log and does not return until it has
// been written, flushed and fsynced.
func (w *WAL) Append(e entry.Entry) error {
	req := writeReq{entry: e, ack: make(chan error, 1)}
	w.inputCh <- req
	return <-req.ack
}

// handleWrite runs on the listener's single background goroutine.
func (w *WAL) handleWrite(req writeReq) error {
	req.ack <- w.writeAndSync(req.entry)
	return nil
}

func (w *WAL) writeAndSync(e entry.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := serialize(e)
	if _, err := w.writer.WriteString(line); err != nil {
		return fmt.Errorf("wal: write entry: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("wal: write newline: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// Replay reads every well-formed entry currently on disk, in file order,
// invoking fn for each. A line that fails to parse is logged and skipped
// rather than treated as fatal, since a crash can leave a partially
// written trailing line.
func (w *WAL) Replay(fn func(entry.Entry) error) error {
	w.mu.Lock()
	if err := w.writer.Flush(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("wal: flush before replay: %w", err)
	}
	w.mu.Unlock()

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("wal: failed to close replay file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			e, ok := deserialize(line)
			if !ok {
				slog.Warn("wal: skipping malformed entry", "line", line)
			} else if err := fn(e); err != nil {
				return fmt.Errorf("wal: replay callback: %w", err)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wal: read entry: %w", err)
		}
	}
}

// Clear atomically discards all logged entries: it closes the current
// file, deletes it, and reopens an empty one at the same path. Callers
// must only call this once the data it protects (the just-rotated
// memtable) has been durably flushed to an SSTable.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before clear: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before clear: %w", err)
	}
	if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: remove: %w", err)
	}

	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: reopen after clear: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// Close flushes and closes the underlying file. The WAL's background
// writer goroutine must already be stopped (via Listener.Stop) before
// calling Close.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close: %w", err)
	}
	return nil
}

func serialize(e entry.Entry) string {
	value := ""
	if !e.Tombstone {
		value = escape(string(e.Value))
	}
	return fmt.Sprintf("%s|%s|%d|%t", escape(string(e.Key)), value, e.Timestamp, e.Tombstone)
}

func deserialize(line string) (entry.Entry, bool) {
	parts := splitUnescaped(line)
	if len(parts) != 4 {
		return entry.Entry{}, false
	}

	timestamp, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return entry.Entry{}, false
	}
	tombstone, err := strconv.ParseBool(parts[3])
	if err != nil {
		return entry.Entry{}, false
	}

	key := unescape(parts[0])
	var value []byte
	if !(parts[1] == "" && tombstone) {
		value = []byte(unescape(parts[1]))
	}

	return entry.FromDisk([]byte(key), value, timestamp, tombstone), true
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `|`, `\|`)
	return s
}

func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitUnescaped splits line on '|' characters that are not themselves
// escaped with a preceding backslash, mirroring escape/unescape above.
func splitUnescaped(line string) []string {
	var parts []string
	var cur strings.Builder

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			cur.WriteByte(c)
			cur.WriteByte(line[i+1])
			i++
		case c == '|':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}
