// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"sync"
)

// lockTable hands out one mutex per session id. Entries are created on
// first use and dropped when the last holder or waiter releases, so the
// table stays proportional to the number of sessions in flight rather
// than the number ever seen.
//
// The table mutex guards only the map. Waiting for a session's lock
// happens outside it, so a slow operation on one session never blocks
// lock acquisition for another.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	// token has capacity 1: holding the lock means having sent into it.
	token chan struct{}
	refs  int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

// sessionLock is a held per-session lock. Release it exactly once,
// either with release (usually deferred) or by handing it to a
// background goroutine with releaseWhenDone.
type sessionLock struct {
	table     *lockTable
	id        string
	entry     *lockEntry
	released  bool
	handedOff bool
}

// acquire blocks until the lock for id is held or ctx is done.
func (t *lockTable) acquire(ctx context.Context, id string) (*sessionLock, error) {
	t.mu.Lock()
	entry, ok := t.locks[id]
	if !ok {
		entry = &lockEntry{token: make(chan struct{}, 1)}
		t.locks[id] = entry
	}
	entry.refs++
	t.mu.Unlock()

	select {
	case entry.token <- struct{}{}:
		return &sessionLock{table: t, id: id, entry: entry}, nil
	case <-ctx.Done():
		t.unref(id, entry)
		return nil, ctx.Err()
	}
}

// tryAcquire takes the lock for id only if nobody holds it.
func (t *lockTable) tryAcquire(id string) (*sessionLock, bool) {
	t.mu.Lock()
	entry, ok := t.locks[id]
	if !ok {
		entry = &lockEntry{token: make(chan struct{}, 1)}
		t.locks[id] = entry
	}
	entry.refs++
	t.mu.Unlock()

	select {
	case entry.token <- struct{}{}:
		return &sessionLock{table: t, id: id, entry: entry}, true
	default:
		t.unref(id, entry)
		return nil, false
	}
}

func (t *lockTable) unref(id string, entry *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(t.locks, id)
	}
}

// size returns the number of ids with a holder or waiter.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// release unlocks. No-op after a previous release or a hand-off.
func (l *sessionLock) release() {
	if l.handedOff || l.released {
		return
	}
	l.released = true
	<-l.entry.token
	l.table.unref(l.id, l.entry)
}

// releaseWhenDone transfers ownership of the lock to a goroutine that
// waits for done and then unlocks. Used when an operation outlives its
// caller's deadline: the session stays locked until the abandoned work
// has finished cleaning up, so nobody observes a half-built store.
func (l *sessionLock) releaseWhenDone(done <-chan error, finished func(error)) {
	if l.handedOff || l.released {
		return
	}
	l.handedOff = true
	go func() {
		err := <-done
		if finished != nil {
			finished(err)
		}
		<-l.entry.token
		l.table.unref(l.id, l.entry)
	}()
}
