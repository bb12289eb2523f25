package vectorstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/quiverdb/quiver/persistence"
)

// vectors.idx format: a sequence of (id u64 LE, offset u64 LE) pairs,
// one per live vector, sorted by id for deterministic output.

const indexEntrySize = 16

// loadIndex reads vectors.idx if present and validates every offset
// against the data file. A missing file leaves the store empty; the
// caller rebuilds state by replaying the WAL. Offsets that cannot fit
// the data file are fatal: there is no safe fallback.
func (s *Store) loadIndex() error {
	path := filepath.Join(s.dir, IndexFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vectorstore: open %s: %w", IndexFileName, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	buf := make([]byte, indexEntrySize)
	rec := s.recordSize()

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				// Torn mirror write; the mirror is rewritten atomically so
				// this means external damage. Treat as inconsistent.
				return fmt.Errorf("%w: truncated %s", ErrIndexInconsistent, IndexFileName)
			}
			return err
		}

		id := binary.LittleEndian.Uint64(buf[0:8])
		off := int64(binary.LittleEndian.Uint64(buf[8:16]))

		if off < 0 || off%4 != 0 || off+rec > s.capacity {
			return fmt.Errorf("%w: id %d offset %d (capacity %d)",
				ErrIndexInconsistent, id, off, s.capacity)
		}

		s.offsets[id] = off
		if end := off + rec; end > s.writeOff {
			s.writeOff = end
		}
	}

	return nil
}

// writeIndexLocked rewrites the vectors.idx mirror atomically. Caller
// holds at least the read lock.
func (s *Store) writeIndexLocked() error {
	ids := make([]uint64, 0, len(s.offsets))
	for id := range s.offsets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	path := filepath.Join(s.dir, IndexFileName)
	return persistence.AtomicWriteFile(path, func(f *os.File) error {
		w := bufio.NewWriter(f)
		buf := make([]byte, indexEntrySize)
		for _, id := range ids {
			binary.LittleEndian.PutUint64(buf[0:8], id)
			binary.LittleEndian.PutUint64(buf[8:16], uint64(s.offsets[id]))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return w.Flush()
	})
}
