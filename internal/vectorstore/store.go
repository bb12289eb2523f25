// Package vectorstore implements the persistent vector storage layer:
// a memory-mapped append/overwrite file of raw float32 arrays plus an
// in-memory id-to-offset index mirrored to disk.
//
// The in-memory map is the single source of truth; vectors.idx on disk
// is its mirror, rewritten atomically on flush. Offsets are published
// only after the vector bytes are fully written, so readers can never
// observe an offset whose bytes are not yet in place.
package vectorstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

const (
	// DataFileName is the raw vector data file.
	DataFileName = "vectors.bin"
	// IndexFileName is the on-disk mirror of the id-to-offset map.
	IndexFileName = "vectors.idx"

	// InitialCapacity is the size vectors.bin is created with.
	InitialCapacity = 16 << 20
	// growthFloor is the minimum size of a grown file. Growth goes to
	// the larger of twice the current size or this floor.
	growthFloor = 64 << 20
)

var (
	// ErrOutOfBounds indicates an offset that points outside the mapped
	// region. This is a structural failure, never silently wrapped.
	ErrOutOfBounds = errors.New("vectorstore: offset out of mapped bounds")

	// ErrIndexInconsistent indicates vectors.idx offsets that do not fit
	// the data file. There is no safe fallback; the collection is
	// unusable.
	ErrIndexInconsistent = errors.New("vectorstore: index inconsistent with data file")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("vectorstore: closed")
)

// Store owns the vectors.bin mapping. All reads of mapped bytes go
// through the bounds-checked accessors; nothing else reinterprets the
// mapping.
//
// Concurrency contract: the internal read-write lock mediates every
// mutation path. Put/Delete/grow run under the write lock; Get and
// Read run under the read lock, so a view handed to a Read callback is
// stable for the duration of the callback even across file growth.
type Store struct {
	mu       sync.RWMutex
	f        *os.File
	mapping  mmap.MMap
	capacity int64
	writeOff int64
	dim      int
	offsets  map[uint64]int64
	dir      string
	grows    int
	closed   bool
}

// Open opens or creates the vector store in dir for vectors of the
// given dimension. If vectors.idx exists its offsets are validated
// against the data file; inconsistency is fatal.
func Open(dir string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorstore: invalid dimension %d", dim)
	}

	path := filepath.Join(dir, DataFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", DataFileName, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	capacity := stat.Size()
	if capacity < InitialCapacity {
		capacity = InitialCapacity
		if err := f.Truncate(capacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("vectorstore: size %s: %w", DataFileName, err)
		}
	}

	mapping, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vectorstore: mmap %s: %w", DataFileName, err)
	}

	s := &Store{
		f:        f,
		mapping:  mapping,
		capacity: capacity,
		dim:      dim,
		offsets:  make(map[uint64]int64),
		dir:      dir,
	}

	if err := s.loadIndex(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) recordSize() int64 {
	return int64(s.dim) * 4
}

// Put appends vec and repoints id to the new bytes. Existing bytes for
// a repointed id stay dead in the file until external compaction.
// Returns the offset the vector was written at.
func (s *Store) Put(id uint64, vec []float32) (int64, error) {
	if len(vec) != s.dim {
		return 0, fmt.Errorf("vectorstore: vector length %d, want %d", len(vec), s.dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	rec := s.recordSize()
	if s.writeOff+rec > s.capacity {
		if err := s.grow(s.writeOff + rec); err != nil {
			return 0, err
		}
	}

	off := s.writeOff
	dst := unsafe.Slice((*float32)(unsafe.Pointer(&s.mapping[off])), s.dim)
	copy(dst, vec)

	// Publish the offset only after the bytes are fully written.
	s.offsets[id] = off
	s.writeOff = off + rec
	return off, nil
}

// grow resizes the data file to the larger of twice its current size
// or the growth floor, repeating until need fits. All previously
// published offsets remain valid: the file only ever gets longer.
func (s *Store) grow(need int64) error {
	newCap := s.capacity
	for newCap < need {
		newCap *= 2
		if newCap < growthFloor {
			newCap = growthFloor
		}
	}

	if err := s.mapping.Unmap(); err != nil {
		return fmt.Errorf("vectorstore: unmap for grow: %w", err)
	}
	s.mapping = nil

	if err := s.f.Truncate(newCap); err != nil {
		return fmt.Errorf("vectorstore: grow to %d: %w", newCap, err)
	}

	mapping, err := mmap.Map(s.f, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("vectorstore: remap after grow: %w", err)
	}

	s.mapping = mapping
	s.capacity = newCap
	s.grows++
	return nil
}

// Get returns a copy of the vector stored for id. The second return is
// false if id is unknown.
func (s *Store) Get(id uint64) ([]float32, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	off, ok := s.offsets[id]
	if !ok {
		return nil, false, nil
	}

	view, err := s.viewAt(off)
	if err != nil {
		return nil, false, err
	}

	out := make([]float32, s.dim)
	copy(out, view)
	return out, true, nil
}

// viewAt returns a zero-copy float32 view of the record at off. The
// caller must hold the lock. Bounds are validated before the raw bytes
// are reinterpreted.
func (s *Store) viewAt(off int64) ([]float32, error) {
	if off < 0 || off%4 != 0 || off+s.recordSize() > int64(len(s.mapping)) {
		return nil, fmt.Errorf("%w: offset %d, record %d, mapped %d",
			ErrOutOfBounds, off, s.recordSize(), len(s.mapping))
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&s.mapping[off])), s.dim), nil
}

// Delete removes id from the index. The underlying bytes remain until
// external compaction. Returns false if id was not present.
func (s *Store) Delete(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if _, ok := s.offsets[id]; !ok {
		return false
	}
	delete(s.offsets, id)
	return true
}

// Contains reports whether id has a stored vector.
func (s *Store) Contains(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.offsets[id]
	return ok
}

// View is a read-locked window into the store, valid only inside a
// Read callback.
type View struct {
	s *Store
}

// VectorAt returns a zero-copy view of the vector stored for id. The
// slice aliases the mapping and must not be retained past the Read
// callback.
func (v View) VectorAt(id uint64) ([]float32, bool) {
	off, ok := v.s.offsets[id]
	if !ok {
		return nil, false
	}
	view, err := v.s.viewAt(off)
	if err != nil {
		return nil, false
	}
	return view, true
}

// Dimension returns the configured vector dimension.
func (v View) Dimension() int {
	return v.s.dim
}

// Read executes fn with a stable view of the store. Concurrent Reads
// proceed in parallel; Put/Delete/grow wait for them.
func (s *Store) Read(fn func(View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(View{s: s})
}

// Count returns the number of live vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.offsets)
}

// IDs returns the live ids in unspecified order.
func (s *Store) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint64, 0, len(s.offsets))
	for id := range s.offsets {
		ids = append(ids, id)
	}
	return ids
}

// Dimension returns the configured vector dimension.
func (s *Store) Dimension() int {
	return s.dim
}

// Capacity returns the current size of the data file.
func (s *Store) Capacity() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity
}

// Grows returns how many times the data file has been resized.
func (s *Store) Grows() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grows
}

// Flush msyncs the data file and rewrites the vectors.idx mirror
// atomically.
func (s *Store) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.mapping.Flush(); err != nil {
		return fmt.Errorf("vectorstore: msync: %w", err)
	}
	return s.writeIndexLocked()
}

// Close flushes the mapping and releases the file. The index mirror is
// not rewritten; callers flush explicitly before closing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.mapping != nil {
		if err := s.mapping.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.mapping.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mapping = nil
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
