package payload

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

// payloads.snapshot layout, little-endian:
//
//	magic   "VSNP" (4 bytes)
//	version u8
//	wal_pos u64    log position the snapshot covers
//	count   u64
//	count × (id u64, offset u64)   offset of the id's STORE entry in payloads.log
//	crc32   u32    over everything above
//
// The snapshot carries no payload bytes itself; load resolves each
// offset back into the log. Replay then continues from wal_pos.

const (
	snapshotMagic   = "VSNP"
	snapshotVersion = 1

	snapshotHeaderSize = 4 + 1 + 8 + 8
	snapshotEntrySize  = 16
)

// writeSnapshotLocked writes payloads.snapshot atomically. Caller holds
// the write lock.
func (s *Store) writeSnapshotLocked() error {
	if err := s.w.Flush(); err != nil {
		return err
	}

	ids := make([]uint64, 0, len(s.payloads))
	for id := range s.payloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	walPos := s.logSize
	path := filepath.Join(s.dir, SnapshotFileName)

	err := persistence.AtomicWriteFile(path, func(f *os.File) error {
		bw := bufio.NewWriter(f)
		cw := persistence.NewChecksumWriter(bw)

		header := make([]byte, snapshotHeaderSize)
		copy(header[0:4], snapshotMagic)
		header[4] = snapshotVersion
		binary.LittleEndian.PutUint64(header[5:13], uint64(walPos))
		binary.LittleEndian.PutUint64(header[13:21], uint64(len(ids)))
		if _, err := cw.Write(header); err != nil {
			return err
		}

		entry := make([]byte, snapshotEntrySize)
		for _, id := range ids {
			binary.LittleEndian.PutUint64(entry[0:8], id)
			binary.LittleEndian.PutUint64(entry[8:16], uint64(s.payloads[id].off))
			if _, err := cw.Write(entry); err != nil {
				return err
			}
		}

		// The footer is excluded from its own checksum.
		var footer [4]byte
		binary.LittleEndian.PutUint32(footer[:], cw.Sum())
		if _, err := bw.Write(footer[:]); err != nil {
			return err
		}
		return bw.Flush()
	})
	if err != nil {
		return fmt.Errorf("payload: write snapshot: %w", err)
	}

	s.sinceSnapshot = 0
	return nil
}

// loadSnapshot restores the map from payloads.snapshot if it validates.
// Returns the log position replay should continue from and whether the
// snapshot was usable. Any defect, from a bad checksum to an offset
// that does not resolve to a matching STORE entry, rejects the whole
// snapshot.
func (s *Store) loadSnapshot() (int64, bool) {
	raw, err := os.ReadFile(filepath.Join(s.dir, SnapshotFileName))
	if err != nil {
		return 0, false
	}
	if len(raw) < snapshotHeaderSize+4 {
		return 0, false
	}

	body := raw[:len(raw)-4]
	want := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if persistence.Checksum(body) != want {
		return 0, false
	}

	if string(body[0:4]) != snapshotMagic || body[4] != snapshotVersion {
		return 0, false
	}
	walPos := int64(binary.LittleEndian.Uint64(body[5:13]))
	count := binary.LittleEndian.Uint64(body[13:21])

	if walPos < 0 || walPos > s.logSize {
		return 0, false
	}
	if int64(len(body)-snapshotHeaderSize) != int64(count)*snapshotEntrySize {
		return 0, false
	}

	log, err := os.Open(filepath.Join(s.dir, LogFileName))
	if err != nil {
		return 0, false
	}
	defer log.Close()

	entries := body[snapshotHeaderSize:]
	header := make([]byte, entryHeaderSize)
	for i := uint64(0); i < count; i++ {
		e := entries[i*snapshotEntrySize:]
		id := binary.LittleEndian.Uint64(e[0:8])
		off := int64(binary.LittleEndian.Uint64(e[8:16]))

		if off < 0 || off+entryHeaderSize > walPos {
			return 0, false
		}
		if _, err := log.ReadAt(header, off); err != nil {
			return 0, false
		}
		if Kind(header[0]) != KindStore || binary.LittleEndian.Uint64(header[1:9]) != id {
			return 0, false
		}
		n := int64(binary.LittleEndian.Uint32(header[9:13]))
		if off+entryHeaderSize+n > walPos {
			return 0, false
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(io.NewSectionReader(log, off+entryHeaderSize, n), body); err != nil {
			return 0, false
		}
		s.payloads[id] = ref{off: off, json: body}
	}

	return walPos, true
}
