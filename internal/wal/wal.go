// Package wal implements the append-only write-ahead log that precedes
// every vector mutation.
//
// On-disk format, little-endian, no file header:
//
//	entry := kind(u8) id(u64) [vector: dim*4 bytes, STORE only]
//
// An entry is durable once Append returns (and, in Sync mode, fsynced).
// A truncated trailing entry, left by a crash mid-append, is detected
// on open by insufficient remaining bytes and discarded silently.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// Kind identifies the type of a WAL entry.
type Kind uint8

const (
	KindStore  Kind = 0x01
	KindDelete Kind = 0x02
)

func (k Kind) valid() bool {
	return k == KindStore || k == KindDelete
}

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache. Fast but a machine
	// crash can lose recently appended entries.
	DurabilityAsync Durability = iota
	// DurabilitySync calls fsync after every append.
	DurabilitySync
)

const headerSize = 1 + 8 // kind + id

// Entry represents a single logged mutation.
type Entry struct {
	Kind   Kind
	ID     uint64
	Vector []float32 // set for KindStore only
}

// Options configures a WAL.
type Options struct {
	Durability Durability
}

// DefaultOptions returns the default WAL configuration.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL manages the vectors.wal file. One writer at a time; Append and
// Truncate are serialized internally.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	dim  int
	size int64
	opts Options
}

// Open opens or creates the WAL at path for vectors of the given
// dimension. Any partial trailing entry is dropped by truncating the
// file back to its last fully written entry.
func Open(path string, dim int, opts Options) (*WAL, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("wal: invalid dimension %d", dim)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	valid, err := scanValidLength(f, dim)
	if err != nil {
		f.Close()
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() > valid {
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: truncate partial tail: %w", err)
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &WAL{
		f:    f,
		w:    bufio.NewWriter(f),
		path: path,
		dim:  dim,
		size: valid,
		opts: opts,
	}, nil
}

// scanValidLength walks the log and returns the byte length of its
// fully written prefix. An unknown kind byte also ends the prefix: the
// log degrades to its last good entry rather than failing the open.
func scanValidLength(f *os.File, dim int) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	r := bufio.NewReader(f)
	var pos int64
	header := make([]byte, headerSize)
	body := make([]byte, dim*4)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			// EOF or a header shorter than declared: prefix ends here.
			return pos, ignoreEOF(err)
		}

		kind := Kind(header[0])
		if !kind.valid() {
			return pos, nil
		}

		if kind == KindStore {
			if _, err := io.ReadFull(r, body); err != nil {
				return pos, ignoreEOF(err)
			}
			pos += headerSize + int64(len(body))
		} else {
			pos += headerSize
		}
	}
}

func ignoreEOF(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return err
}

// Append writes an entry to the log. In Sync mode the entry is fsynced
// before Append returns; this is the commit point for the mutation it
// precedes.
func (w *WAL) Append(e Entry) error {
	if e.Kind == KindStore && len(e.Vector) != w.dim {
		return fmt.Errorf("wal: vector length %d, want %d", len(e.Vector), w.dim)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var header [headerSize]byte
	header[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(header[1:], e.ID)
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	n := int64(headerSize)

	if e.Kind == KindStore {
		var scratch [4]byte
		for _, v := range e.Vector {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			if _, err := w.w.Write(scratch[:]); err != nil {
				return err
			}
		}
		n += int64(len(e.Vector)) * 4
	}

	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.opts.Durability == DurabilitySync {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
	}

	w.size += n
	return nil
}

// Replay calls fn for every fully written entry in file order. The
// vector slice passed to fn is reused between calls; fn must copy it
// if it retains it.
func (w *WAL) Replay(fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return err
	}

	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, w.size))
	header := make([]byte, headerSize)
	body := make([]byte, w.dim*4)
	vec := make([]float32, w.dim)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return ignoreEOF(err)
		}

		e := Entry{
			Kind: Kind(header[0]),
			ID:   binary.LittleEndian.Uint64(header[1:]),
		}

		if e.Kind == KindStore {
			if _, err := io.ReadFull(r, body); err != nil {
				return ignoreEOF(err)
			}
			for i := range vec {
				vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
			}
			e.Vector = vec
		}

		if err := fn(e); err != nil {
			return err
		}
	}
}

// Truncate discards all entries. Used after a checkpoint has made the
// primary index durable.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.w.Reset(w.f)
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.size = 0
	return nil
}

// Size returns the current size of the log in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync flushes buffered entries and fsyncs the log regardless of the
// configured durability mode.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
