// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Reset restores the session's store to exactly the baseline set. The
// session must already exist.
//
// The replacement is built and seeded under a temporary name next to
// the live store and renamed over it only once complete. Until the
// rename, the live store and its handle are untouched; a failed or
// timed-out reset leaves the previous content in place. Handles obtained
// before the reset stop working once it succeeds.
func (m *Manager) Reset(ctx context.Context, id string) error {
	const op = "reset"
	if !ValidID(id) {
		return newError(op, id, ErrInvalidID, nil)
	}
	if m.closed.Load() {
		return newError(op, id, ErrClosed, nil)
	}

	lock, err := m.locks.acquire(ctx, id)
	if err != nil {
		return newError(op, id, ErrReset, err)
	}
	defer lock.release()

	createdAt, err := m.createdAtLocked(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	err = m.bounded(ctx, op, id, lock, ErrReset, func(ctx context.Context) error {
		return m.swapInBaseline(ctx, id, createdAt)
	}, nil)
	if err != nil {
		m.logger.Error("session reset failed", "session_id", id, "error", err)
		return err
	}
	m.logger.Info("session reset", "session_id", id)
	return nil
}

// createdAtLocked returns the original creation time of an existing
// session so a reset can carry it over. Fails with ErrNotFound when
// there is no store.
func (m *Manager) createdAtLocked(id string) (time.Time, error) {
	const op = "reset"
	if _, metadata, ok := m.registry.Get(id); ok {
		return metadata.CreatedAt, nil
	}
	exists, err := m.provisioner.Exists(id)
	if err != nil {
		return time.Time{}, newError(op, id, ErrReset, err)
	}
	if !exists {
		return time.Time{}, newError(op, id, ErrNotFound, nil)
	}
	meta, err := m.provisioner.inspect(id)
	if err != nil {
		return time.Time{}, newError(op, id, ErrReset, err)
	}
	if meta.createdAt.IsZero() {
		return m.clock.Now(), nil
	}
	return meta.createdAt, nil
}

// swapInBaseline builds a seeded replacement store and renames it over
// the session's location. Requires the session lock.
func (m *Manager) swapInBaseline(ctx context.Context, id string, createdAt time.Time) error {
	const op = "reset"
	location := m.provisioner.Location(id)
	temporary := location + resetMarker + rand.Text()

	replacement, err := m.provisioner.create(ctx, id, temporary, createdAt)
	if err != nil {
		return newError(op, id, ErrReset, fmt.Errorf("%w: %w", ErrProvisioning, withContextCause(ctx, err)))
	}
	if err := m.seed(ctx, replacement); err != nil {
		m.provisioner.discard(replacement)
		return newError(op, id, ErrReset, fmt.Errorf("%w: %w", ErrSeed, err))
	}
	if err := replacement.checkpoint(ctx); err != nil {
		m.provisioner.discard(replacement)
		return newError(op, id, ErrReset, withContextCause(ctx, err))
	}
	if err := replacement.close(); err != nil {
		removeStoreFiles(temporary)
		return newError(op, id, ErrReset, fmt.Errorf("closing replacement store: %w", err))
	}
	if err := ctx.Err(); err != nil {
		removeStoreFiles(temporary)
		return newError(op, id, ErrReset, err)
	}

	// Past this point the old content is given up. The old handle is
	// closed first so nothing writes through it into the renamed file.
	if previous, ok := m.registry.Remove(id); ok {
		if err := previous.close(); err != nil {
			m.logger.Warn("closing replaced session handle failed", "session_id", id, "error", err)
		}
	}
	if err := removeSidecars(location); err != nil {
		removeStoreFiles(temporary)
		return newError(op, id, ErrReset, fmt.Errorf("removing stale sidecars: %w", err))
	}
	if err := removeSidecars(temporary); err != nil {
		m.logger.Warn("removing replacement sidecars failed", "session_id", id, "error", err)
	}
	if err := os.Rename(temporary, location); err != nil {
		removeStoreFiles(temporary)
		return newError(op, id, ErrReset, fmt.Errorf("replacing store: %w", err))
	}

	// The reset has taken effect on disk. A handle that fails to open
	// here is rehydrated by the next resolve.
	handle, _, err := m.provisioner.open(ctx, id)
	if err != nil {
		m.logger.Warn("reopening reset session failed", "session_id", id, "error", err)
		return nil
	}
	err = m.registry.Put(id, handle, Metadata{
		Location:       location,
		CreatedAt:      createdAt,
		LastAccessedAt: m.clock.Now(),
		State:          StateActive,
	})
	if err != nil {
		handle.close()
	}
	return nil
}

// Delete disposes the session's handle and removes its store. The
// session is gone for good: a later Resolve of the same id provisions a
// brand-new baseline store. Deleting an unknown id fails with
// ErrNotFound.
func (m *Manager) Delete(ctx context.Context, id string) error {
	const op = "delete"
	if !ValidID(id) {
		return newError(op, id, ErrInvalidID, nil)
	}
	if m.closed.Load() {
		return newError(op, id, ErrClosed, nil)
	}

	lock, err := m.locks.acquire(ctx, id)
	if err != nil {
		return newError(op, id, ErrDelete, err)
	}
	defer lock.release()

	return m.deleteLocked(id)
}

// deleteLocked requires the session lock for id.
func (m *Manager) deleteLocked(id string) error {
	const op = "delete"
	handle, resident := m.registry.Remove(id)
	if resident {
		if err := handle.close(); err != nil {
			m.logger.Warn("closing deleted session handle failed", "session_id", id, "error", err)
		}
	} else {
		exists, err := m.provisioner.Exists(id)
		if err != nil {
			return newError(op, id, ErrDelete, err)
		}
		if !exists {
			return newError(op, id, ErrNotFound, nil)
		}
	}

	if err := m.provisioner.Remove(id); err != nil {
		m.logger.Error("removing session store failed", "session_id", id, "error", err)
		return newError(op, id, ErrDelete, err)
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// ReclaimIdle deletes every session, resident or only on disk, whose
// last access is more than maxAge before now. It returns the ids it
// deleted.
//
// Each session is checked and deleted under its own lock, so a session
// resolved while the sweep is running is never reclaimed out from under
// its caller. Sessions whose lock is held are skipped until the next
// sweep. Per-session failures do not stop the sweep; they are joined
// into the returned error.
func (m *Manager) ReclaimIdle(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge < 0 {
		return nil, fmt.Errorf("sessionstore: reclaim: negative max age %v", maxAge)
	}
	if m.closed.Load() {
		return nil, newError("reclaim", "", ErrClosed, nil)
	}

	ids, err := m.knownIDs()
	if err != nil {
		return nil, fmt.Errorf("sessionstore: reclaim: %w", err)
	}

	var deleted []string
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		reclaimed, err := m.reclaimOne(id, maxAge)
		if err != nil {
			m.logger.Warn("reclaiming session failed", "session_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		if reclaimed {
			deleted = append(deleted, id)
		}
	}

	if len(deleted) > 0 {
		m.logger.Info("reclaimed idle sessions", "count", len(deleted), "max_age", maxAge)
	}
	return deleted, errors.Join(errs...)
}

func (m *Manager) reclaimOne(id string, maxAge time.Duration) (bool, error) {
	lock, ok := m.locks.tryAcquire(id)
	if !ok {
		m.logger.Debug("session busy, skipping reclaim", "session_id", id)
		return false, nil
	}
	defer lock.release()

	lastAccess, found, err := m.lastAccessLocked(id)
	if err != nil || !found {
		return false, err
	}
	cutoff := m.clock.Now().Add(-maxAge)
	if !lastAccess.Before(cutoff) {
		return false, nil
	}
	if err := m.deleteLocked(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// lastAccessLocked returns the in-memory access time of a resident
// session, or the last write time of a store that is only on disk.
func (m *Manager) lastAccessLocked(id string) (time.Time, bool, error) {
	if _, metadata, ok := m.registry.Get(id); ok {
		return metadata.LastAccessedAt, true, nil
	}
	stat, err := m.provisioner.Stat(id)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, newError("reclaim", id, ErrProvisioning, err)
	}
	return stat.ModTime, true, nil
}
