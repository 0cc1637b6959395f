// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mockmarket/lib/sqlitepool"
)

// Handle is the live, process-local resource bound to one session's
// physical store. It is owned by the Manager: callers use it for units
// of work but never close it. A handle becomes unusable (Take fails)
// once its session is reset, deleted, or reclaimed; callers should
// resolve again per request instead of caching handles.
type Handle struct {
	id       string
	location string
	pool     *sqlitepool.Pool
}

func newHandle(id, location string, pool *sqlitepool.Pool) *Handle {
	return &Handle{id: id, location: location, pool: pool}
}

// SessionID returns the session the handle belongs to.
func (h *Handle) SessionID() string { return h.id }

// Location returns the path of the physical store.
func (h *Handle) Location() string { return h.location }

// Take borrows a connection. The caller must Put it back.
func (h *Handle) Take(ctx context.Context) (*sqlite.Conn, error) {
	return h.pool.Take(ctx)
}

// Put returns a connection taken with Take.
func (h *Handle) Put(conn *sqlite.Conn) {
	h.pool.Put(conn)
}

// Read runs fn inside a deferred transaction. fn must not retain conn.
func (h *Handle) Read(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.pool.Put(conn)

	endTransaction := sqlitex.Transaction(conn)
	defer endTransaction(&err)

	return fn(conn)
}

// Write runs fn inside an IMMEDIATE transaction, committing when fn
// returns nil and rolling back otherwise.
func (h *Handle) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// checkpoint folds the WAL into the main database file so the file
// alone holds every committed page.
func (h *Handle) checkpoint(ctx context.Context) error {
	conn, err := h.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "PRAGMA wal_checkpoint(TRUNCATE)", nil); err != nil {
		return fmt.Errorf("checkpoint %s: %w", h.location, err)
	}
	return nil
}

func (h *Handle) close() error {
	return h.pool.Close()
}
