// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultPoolSize is the connection count used when Config.PoolSize is
// not positive. Session stores serve one agent at a time, so two
// connections (one writer, one concurrent reader) are enough.
const DefaultPoolSize = 2

// Mode selects whether Open may create the database file.
type Mode int

const (
	// ModeCreate creates the database file if it does not exist.
	ModeCreate Mode = iota

	// ModeOpenExisting requires the database file to exist. Opening a
	// connection against a missing file fails.
	ModeOpenExisting
)

// String returns the mode name used in log messages.
func (mode Mode) String() string {
	switch mode {
	case ModeCreate:
		return "create"
	case ModeOpenExisting:
		return "open_existing"
	default:
		return fmt.Sprintf("unknown(%d)", int(mode))
	}
}

// Config holds the parameters for opening a pool. Path is required.
type Config struct {
	// Path is the filesystem path of the database file. The parent
	// directory must exist.
	Path string

	// Mode controls file creation. Defaults to ModeCreate.
	Mode Mode

	// PoolSize is the number of connections. Defaults to
	// DefaultPoolSize when zero or negative.
	PoolSize int

	// Logger receives pool open/close messages at debug level. If nil,
	// a discarding logger is used.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas.
	// An error discards the connection and is returned from Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections bound to one database
// file. Safe for concurrent use; individual connections are not.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates a pool for cfg.Path. Every connection is opened before
// Open returns, so in ModeOpenExisting a missing file fails here rather
// than on the first Take. OnConnect runs lazily, on a connection's first
// Take.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	flags := sqlite.OpenReadWrite | sqlite.OpenWAL | sqlite.OpenURI
	switch cfg.Mode {
	case ModeCreate:
		flags |= sqlite.OpenCreate
	case ModeOpenExisting:
	default:
		return nil, fmt.Errorf("sqlitepool: invalid mode %v", cfg.Mode)
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		Flags:    flags,
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Debug("sqlite pool opened",
		"path", cfg.Path,
		"mode", cfg.Mode.String(),
		"pool_size", poolSize,
	)

	return &Pool{
		inner:  inner,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Path returns the database file path the pool is bound to.
func (p *Pool) Path() string {
	return p.path
}

// Take borrows a connection, blocking until one is free or ctx is done.
// The caller must Put it back:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take %s: %w", p.path, err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Nil is a no-op.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close interrupts and closes every connection, blocking until borrowed
// connections are returned. Closing the last connection checkpoints the
// WAL into the main database file.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close failed",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Debug("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}

	return nil
}
