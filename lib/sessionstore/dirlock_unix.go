// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package sessionstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// lockFileName sits in the sessions directory. It is not a store: Scan
// ignores it and it never matches a session id.
const lockFileName = ".lock"

// directoryLock is an exclusive flock on the sessions directory's lock
// file, held for the Manager's lifetime. The kernel drops it if the
// process dies, so a crash never leaves the directory locked.
type directoryLock struct {
	file *os.File
}

func lockDirectory(dir string) (*directoryLock, error) {
	path := filepath.Join(dir, lockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", dir, ErrDirectoryInUse)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &directoryLock{file: file}, nil
}

// release unlocks and closes the lock file. The file itself stays so a
// concurrent Open never races on its creation.
func (l *directoryLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}
	return nil
}
