package quiver

import (
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/hnsw"
	"github.com/quiverdb/quiver/internal/vectorstore"
	"github.com/quiverdb/quiver/persistence"
)

var (
	// ErrClosed is returned for operations on a closed collection.
	ErrClosed = errors.New("quiver: collection closed")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("quiver: k must be positive")

	// ErrZeroVector is returned when a cosine collection receives a
	// vector with zero L2 norm, which cannot be normalized.
	ErrZeroVector = errors.New("quiver: zero vector cannot be normalized")
)

// ConfigError indicates a missing or invalid collection configuration.
// It is fatal: the collection cannot open.
type ConfigError struct {
	Path   string
	Reason string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("quiver: config %s: %s", e.Path, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// DimensionMismatchError indicates a vector or query whose length does
// not match the collection dimension. Rejected at the API boundary
// before any mutation.
//
// The original underlying error (if any) can be accessed via
// errors.Unwrap.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	cause    error
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("quiver: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return e.cause }

// StorageError indicates a disk-level failure during an operation. The
// operation aborted without partial durable state: the WAL append
// precedes every index mutation.
type StorageError struct {
	Op    string
	ID    uint64
	cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("quiver: storage failure in %s (id %d): %v", e.Op, e.ID, e.cause)
}

func (e *StorageError) Unwrap() error { return e.cause }

// CorruptionError indicates on-disk state that failed validation. For
// the payload snapshot and graph file this is recovered locally by
// falling back to replay or rebuild; for the vector index mirror it is
// fatal.
type CorruptionError struct {
	File  string
	cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("quiver: corrupted %s: %v", e.File, e.cause)
}

func (e *CorruptionError) Unwrap() error { return e.cause }

// GraphStateError indicates a structurally damaged search graph that
// could not be recovered by entry-point reselection.
type GraphStateError struct {
	Reason string
	cause  error
}

func (e *GraphStateError) Error() string {
	return fmt.Sprintf("quiver: graph state: %s", e.Reason)
}

func (e *GraphStateError) Unwrap() error { return e.cause }

// translateError normalizes internal errors into the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *hnsw.DimensionMismatchError
	if errors.As(err, &dm) {
		return &DimensionMismatchError{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	var gs *hnsw.GraphStateError
	if errors.As(err, &gs) {
		return &GraphStateError{Reason: gs.Reason, cause: err}
	}

	if errors.Is(err, vectorstore.ErrIndexInconsistent) {
		return &CorruptionError{File: vectorstore.IndexFileName, cause: err}
	}

	var cm *persistence.ChecksumMismatchError
	if errors.As(err, &cm) {
		return &CorruptionError{File: "snapshot", cause: err}
	}

	return err
}
