// Package dblock guards database files with an exclusive lock file so only one
// writer holds a store at a time.
package dblock

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	fslock "github.com/ipfs/go-fs-lock"

	"locsync/report"
)

// Name returns the lock file name used for a database path.
func Name(dbPath string) string {
	return filepath.Base(dbPath) + ".lock"
}

// Acquire takes the writer lock next to dbPath. A lock held by anyone else,
// including another handle in this process, is a StoreError.
func Acquire(dbPath string) (io.Closer, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, report.Wrap(report.KindStore, dbPath, err)
	}
	closer, err := fslock.Lock(dir, Name(dbPath))
	if err != nil {
		le := fslock.LockedError("")
		if errors.As(err, &le) {
			return nil, report.Errorf(report.KindStore, dbPath, "store is in use by another writer: %v", err)
		}
		return nil, report.Wrap(report.KindStore, dbPath, err)
	}
	return closer, nil
}

// Held reports whether the writer lock is currently taken.
func Held(dbPath string) (bool, error) {
	return fslock.Locked(filepath.Dir(dbPath), Name(dbPath))
}
