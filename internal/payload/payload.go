// Package payload implements the JSON metadata store: an append-only
// log (payloads.log) plus a periodically compacted snapshot
// (payloads.snapshot) that bounds cold-start recovery to recent
// history.
//
// Log format, little-endian:
//
//	entry := kind(u8) id(u64) len(u32) json(len bytes)
//
// The log tolerates a truncated trailing entry exactly like the vector
// WAL. The snapshot is an index over the log: it maps each live id to
// the log offset of its latest STORE entry, so corruption of the
// snapshot only costs a full log replay, never correctness.
package payload

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	// LogFileName is the append-only metadata log.
	LogFileName = "payloads.log"
	// SnapshotFileName is the compacted snapshot.
	SnapshotFileName = "payloads.snapshot"

	// DefaultSnapshotThreshold is the log growth, in bytes since the
	// last snapshot, that triggers writing a new one.
	DefaultSnapshotThreshold = 10 << 20
)

// Kind identifies the type of a log entry.
type Kind uint8

const (
	KindStore  Kind = 0x01
	KindDelete Kind = 0x02
)

const entryHeaderSize = 1 + 8 + 4 // kind + id + len

// Options configures the payload store.
type Options struct {
	// SnapshotThreshold is the log growth that triggers a snapshot.
	// Zero means DefaultSnapshotThreshold; negative disables automatic
	// snapshots.
	SnapshotThreshold int64

	// SyncWrites fsyncs the log after every append.
	SyncWrites bool
}

type ref struct {
	off  int64
	json []byte
}

// Store holds the in-memory id-to-payload map backed by the log.
type Store struct {
	mu            sync.RWMutex
	dir           string
	f             *os.File
	w             *bufio.Writer
	logSize       int64
	sinceSnapshot int64
	threshold     int64
	payloads      map[uint64]ref
	opts          Options

	// Load diagnostics for the owning collection's recovery log line.
	snapshotUsed bool
	replayedFrom int64
}

// Open opens the payload store in dir, loading state from the snapshot
// when it validates and falling back to a full log replay otherwise.
func Open(dir string, opts Options) (*Store, error) {
	threshold := opts.SnapshotThreshold
	if threshold == 0 {
		threshold = DefaultSnapshotThreshold
	}

	path := filepath.Join(dir, LogFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("payload: open %s: %w", LogFileName, err)
	}

	valid, err := scanValidLength(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat, err := f.Stat(); err == nil && stat.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("payload: truncate partial tail: %w", err)
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	s := &Store{
		dir:       dir,
		f:         f,
		w:         bufio.NewWriter(f),
		logSize:   valid,
		threshold: threshold,
		payloads:  make(map[uint64]ref),
		opts:      opts,
	}

	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

// scanValidLength returns the byte length of the log's fully written
// prefix.
func scanValidLength(f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	r := bufio.NewReader(f)
	var pos int64
	header := make([]byte, entryHeaderSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return pos, ignoreEOF(err)
		}

		kind := Kind(header[0])
		if kind != KindStore && kind != KindDelete {
			return pos, nil
		}

		n := int64(binary.LittleEndian.Uint32(header[9:13]))
		if n > 0 {
			if _, err := io.CopyN(io.Discard, r, n); err != nil {
				return pos, ignoreEOF(err)
			}
		}
		pos += entryHeaderSize + n
	}
}

func ignoreEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return err
}

// load populates the in-memory map: snapshot plus log tail when the
// snapshot validates, full log replay otherwise.
func (s *Store) load() error {
	from, ok := s.loadSnapshot()
	if !ok {
		// Corruption or absence degrades recovery speed, never
		// correctness: replay everything.
		s.payloads = make(map[uint64]ref)
		from = 0
	}
	s.snapshotUsed = ok
	s.replayedFrom = from
	return s.replayLog(from)
}

// replayLog applies log entries in file order starting at from.
func (s *Store) replayLog(from int64) error {
	f, err := os.Open(filepath.Join(s.dir, LogFileName))
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(io.LimitReader(f, s.logSize-from))
	header := make([]byte, entryHeaderSize)
	pos := from

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return ignoreEOF(err)
		}

		kind := Kind(header[0])
		id := binary.LittleEndian.Uint64(header[1:9])
		n := int64(binary.LittleEndian.Uint32(header[9:13]))

		switch kind {
		case KindStore:
			body := make([]byte, n)
			if _, err := io.ReadFull(r, body); err != nil {
				return ignoreEOF(err)
			}
			s.payloads[id] = ref{off: pos, json: body}
		case KindDelete:
			if n > 0 {
				if _, err := io.CopyN(io.Discard, r, n); err != nil {
					return ignoreEOF(err)
				}
			}
			delete(s.payloads, id)
		default:
			return nil
		}

		pos += entryHeaderSize + n
	}
}

// Set records json as the payload for id.
func (s *Store) Set(id uint64, json []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.logSize
	if err := s.appendLocked(KindStore, id, json); err != nil {
		return err
	}

	body := make([]byte, len(json))
	copy(body, json)
	s.payloads[id] = ref{off: off, json: body}

	return s.maybeSnapshotLocked()
}

// Delete removes the payload for id. Returns false if none existed.
func (s *Store) Delete(id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payloads[id]; !ok {
		return false, nil
	}
	if err := s.appendLocked(KindDelete, id, nil); err != nil {
		return false, err
	}
	delete(s.payloads, id)

	return true, s.maybeSnapshotLocked()
}

// Get returns a copy of the payload for id.
func (s *Store) Get(id uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.payloads[id]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(r.json))
	copy(out, r.json)
	return out, true
}

// Count returns the number of stored payloads.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.payloads)
}

// SnapshotUsed reports whether the last Open restored from a snapshot
// and the log position replay started from.
func (s *Store) SnapshotUsed() (bool, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotUsed, s.replayedFrom
}

func (s *Store) appendLocked(kind Kind, id uint64, json []byte) error {
	header := make([]byte, entryHeaderSize)
	header[0] = byte(kind)
	binary.LittleEndian.PutUint64(header[1:9], id)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(json)))

	if _, err := s.w.Write(header); err != nil {
		return err
	}
	if len(json) > 0 {
		if _, err := s.w.Write(json); err != nil {
			return err
		}
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.opts.SyncWrites {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("payload: sync log: %w", err)
		}
	}

	n := int64(entryHeaderSize + len(json))
	s.logSize += n
	s.sinceSnapshot += n
	return nil
}

func (s *Store) maybeSnapshotLocked() error {
	if s.threshold < 0 || s.sinceSnapshot < s.threshold {
		return nil
	}
	return s.writeSnapshotLocked()
}

// Snapshot writes a snapshot immediately, regardless of the threshold.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshotLocked()
}

// Close flushes and closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
