// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package opull

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

// fileLock serializes one blob's fetch-and-commit window across sessions and
// processes using flock advisory locking. Concurrent pulls that share a layer
// would otherwise append to the same partial file, and a late append could
// land after the winner's verify-and-rename.
type fileLock struct {
	file   *os.File
	locked bool
}

// newFileLock opens (creating if needed) the lock file. The file itself is
// never renamed or removed; only the flock on it matters.
func newFileLock(path string) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &fileLock{file: file}, nil
}

// Lock acquires the exclusive lock, polling with backoff until ctx is done.
func (l *fileLock) Lock(ctx context.Context) error {
	if l.locked {
		return nil
	}
	wait := 10 * time.Millisecond
	for {
		err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			l.locked = true
			return nil
		}
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}

// Unlock releases the lock and closes the handle. Safe to call more than once.
func (l *fileLock) Unlock() error {
	if !l.locked {
		if l.file != nil {
			l.file.Close()
			l.file = nil
		}
		return nil
	}
	var unlockErr error
	if l.file != nil {
		unlockErr = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		l.file.Close()
		l.file = nil
	}
	l.locked = false
	return unlockErr
}
