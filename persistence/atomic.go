package persistence

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes a file through a temp file in the same
// directory, fsyncs it, then renames it over path. A crash at any
// point leaves either the old file or the new file, never a torn one.
func AtomicWriteFile(path string, write func(w *os.File) error) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Remove the temp file on every failure path.
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}

	if err := write(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("persistence: sync temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("persistence: close temp: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("persistence: rename: %w", err)
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory so a preceding rename is durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
