// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package sessionstore

// directoryLock is a no-op where flock is unavailable. The one-owner
// assumption is then the operator's to uphold.
type directoryLock struct{}

func lockDirectory(dir string) (*directoryLock, error) {
	return &directoryLock{}, nil
}

func (l *directoryLock) release() error { return nil }
