// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool that backs every
// mockmarket session store.
//
// It wraps zombiezen.com/go/sqlite with the defaults a small, write-light,
// one-file-per-session store wants: WAL journal mode, NORMAL synchronous,
// a busy timeout, and an in-memory temp store. Each session store gets its
// own Pool, so pools are small (two connections by default) and cheap to
// open and close.
//
// A Pool is opened in one of two modes. [ModeCreate] creates the database
// file if it is missing and is used by the provisioner when a new session
// store is materialized. [ModeOpenExisting] refuses to create the file and
// is used when rehydrating a store that is known to exist on disk: if the
// file vanished in the meantime the first Take fails instead of silently
// producing an empty database.
//
// # Pragmas
//
// Every connection is initialized with:
//
//   - journal_mode=WAL: readers never block the writer.
//   - synchronous=NORMAL: survives process crashes. Session stores are
//     disposable training fixtures, so OS-crash durability is not needed.
//   - busy_timeout=5000: wait for the write lock instead of failing with
//     SQLITE_BUSY.
//   - foreign_keys=ON: schemas supplied by callers may rely on them.
//   - temp_store=MEMORY.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/mockmarket/sessions/session_0123456789abcdef0123456789abcdef.db",
//	    Mode:   sqlitepool.ModeOpenExisting,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// Connections are not safe for concurrent use. Each goroutine takes its own
// connection and puts it back when done.
package sqlitepool
