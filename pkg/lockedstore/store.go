// Package lockedstore provides file reads and writes guarded by a companion
// advisory lock file.
//
// It is the only synchronization between subjob output writers and the
// convergence daemon: both sides agree on <path>.lock and never touch <path>
// without holding it. Different paths are fully independent.
package lockedstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReadLocked reads path while holding a shared lock on its companion file.
func ReadLocked(path string, timeout time.Duration) ([]byte, error) {
	lock, err := Acquire(path, Shared, timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	return os.ReadFile(path)
}

// WriteLocked replaces path with data while holding an exclusive lock.
//
// The content is written to a temp file in the same directory and renamed
// into place so readers that skip the lock still never see a torn file.
func WriteLocked(path string, data []byte, timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	lock, err := Acquire(path, Exclusive, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	return replace(path, data)
}

// UpdateLocked reads path, passes its content to fn and writes the result
// back, all under one exclusive lock. A missing file is passed as nil.
// If fn returns an error nothing is written.
func UpdateLocked(path string, timeout time.Duration, fn func([]byte) ([]byte, error)) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	lock, err := Acquire(path, Exclusive, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	cur, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return replace(path, next)
}

// replace writes data to a temp file next to path and renames it over path.
// Callers hold the exclusive lock.
func replace(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
