// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mockmarket/lib/sqlitepool"
)

// storeSuffix is appended to a session id to name its physical store.
const storeSuffix = ".db"

// Temporary files live next to the stores they belong to. Anything
// matching these markers at startup is debris from a crash.
const (
	resetMarker    = ".reset-"
	snapshotPrefix = ".snapshot-"
)

// sqliteSidecars are the files SQLite may keep next to a database.
var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// metaSchema is created in every store alongside the caller's schema.
// It records which session the file belongs to and when that session
// was first created, which survives resets and process restarts.
const metaSchema = `
CREATE TABLE IF NOT EXISTS _session_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SchemaDefinition establishes the domain tables of a fresh store. It
// runs inside the provisioning transaction.
type SchemaDefinition interface {
	ApplySchema(conn *sqlite.Conn) error
}

// SchemaFunc adapts a function to SchemaDefinition.
type SchemaFunc func(conn *sqlite.Conn) error

// ApplySchema calls f(conn).
func (f SchemaFunc) ApplySchema(conn *sqlite.Conn) error { return f(conn) }

// StoreStat is the on-disk footprint of one store.
type StoreStat struct {
	// SizeBytes is the database file plus its WAL.
	SizeBytes int64

	// ModTime is the newest modification time among the database file
	// and its WAL: the last time anything was written.
	ModTime time.Time
}

// storeMeta is what the provisioner recorded in _session_meta.
type storeMeta struct {
	sessionID string
	createdAt time.Time
}

// Provisioner creates, opens and removes physical session stores in one
// directory. The directory listing is the durable catalog of sessions;
// there is no index file.
type Provisioner struct {
	dir      string
	schema   SchemaDefinition
	poolSize int
	logger   *slog.Logger
}

// NewProvisioner returns a Provisioner rooted at dir, which must exist.
func NewProvisioner(dir string, schema SchemaDefinition, poolSize int, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provisioner{dir: dir, schema: schema, poolSize: poolSize, logger: logger}
}

// Location returns the store path for id. Distinct valid ids always
// yield distinct paths.
func (p *Provisioner) Location(id string) string {
	return filepath.Join(p.dir, id+storeSuffix)
}

// Exists reports whether the physical store for id is present.
func (p *Provisioner) Exists(id string) (bool, error) {
	_, err := os.Stat(p.Location(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking store %s: %w", id, err)
}

// create makes a new store at path, applies the schema and records
// the session metadata. On any failure every file it created is
// removed before returning.
func (p *Provisioner) create(ctx context.Context, id, path string, createdAt time.Time) (*Handle, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		Mode:     sqlitepool.ModeCreate,
		PoolSize: p.poolSize,
		Logger:   p.logger,
	})
	if err != nil {
		return nil, err
	}
	handle := newHandle(id, path, pool)

	err = handle.Write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteScript(conn, metaSchema, nil); err != nil {
			return fmt.Errorf("creating meta table: %w", err)
		}
		if p.schema != nil {
			if err := p.schema.ApplySchema(conn); err != nil {
				return fmt.Errorf("applying schema: %w", err)
			}
		}
		return writeMeta(conn, storeMeta{sessionID: id, createdAt: createdAt})
	})
	if err != nil {
		p.discard(handle)
		return nil, err
	}

	p.logger.Debug("session store created", "session_id", id, "path", path)
	return handle, nil
}

// open rehydrates a handle for an existing store without touching its
// content. Fails if the file is missing or belongs to another session.
func (p *Provisioner) open(ctx context.Context, id string) (*Handle, storeMeta, error) {
	path := p.Location(id)
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		Mode:     sqlitepool.ModeOpenExisting,
		PoolSize: p.poolSize,
		Logger:   p.logger,
	})
	if err != nil {
		return nil, storeMeta{}, err
	}
	handle := newHandle(id, path, pool)

	var meta storeMeta
	err = handle.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		meta, err = readMeta(conn)
		return err
	})
	if err == nil && meta.sessionID != "" && meta.sessionID != id {
		err = fmt.Errorf("store %s belongs to session %s", path, meta.sessionID)
	}
	if err != nil {
		handle.close()
		return nil, storeMeta{}, err
	}
	if meta.createdAt.IsZero() {
		if stat, statErr := p.Stat(id); statErr == nil {
			meta.createdAt = stat.ModTime
		}
	}
	return handle, meta, nil
}

// inspect reads the recorded metadata of a store that has no resident
// handle, using a single short-lived connection.
func (p *Provisioner) inspect(id string) (storeMeta, error) {
	conn, err := sqlite.OpenConn(p.Location(id), sqlite.OpenReadWrite)
	if err != nil {
		return storeMeta{}, fmt.Errorf("opening store %s: %w", id, err)
	}
	defer conn.Close()
	return readMeta(conn)
}

// Stat returns the size and last write time of the store for id.
// Returns an error wrapping fs.ErrNotExist when there is no store.
func (p *Provisioner) Stat(id string) (StoreStat, error) {
	path := p.Location(id)
	info, err := os.Stat(path)
	if err != nil {
		return StoreStat{}, err
	}
	stat := StoreStat{SizeBytes: info.Size(), ModTime: info.ModTime()}
	if walInfo, err := os.Stat(path + "-wal"); err == nil {
		stat.SizeBytes += walInfo.Size()
		if walInfo.ModTime().After(stat.ModTime) {
			stat.ModTime = walInfo.ModTime()
		}
	}
	return stat, nil
}

// Remove deletes the store for id and its SQLite sidecar files. A
// missing store is not an error.
func (p *Provisioner) Remove(id string) error {
	return removeStoreFiles(p.Location(id))
}

// Scan lists the ids of every store in the directory.
func (p *Provisioner) Scan() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions directory %s: %w", p.dir, err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(entry.Name(), storeSuffix)
		if ok && ValidID(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// removeDebris deletes temporary reset and snapshot files left behind
// by a crashed process. Returns the number of files removed.
func (p *Provisioner) removeDebris() (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 0, fmt.Errorf("listing sessions directory %s: %w", p.dir, err)
	}
	var removed int
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.Contains(name, resetMarker) && !strings.HasPrefix(name, snapshotPrefix)) {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// discard closes a handle that never became visible and removes its
// files.
func (p *Provisioner) discard(handle *Handle) {
	if err := handle.close(); err != nil {
		p.logger.Warn("closing discarded store failed", "path", handle.location, "error", err)
	}
	if err := removeStoreFiles(handle.location); err != nil {
		p.logger.Warn("removing discarded store failed", "path", handle.location, "error", err)
	}
}

func removeStoreFiles(path string) error {
	var errs []error
	for _, suffix := range append([]string{""}, sqliteSidecars...) {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func removeSidecars(path string) error {
	var errs []error
	for _, suffix := range sqliteSidecars {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeMeta(conn *sqlite.Conn, meta storeMeta) error {
	values := map[string]string{
		"session_id": meta.sessionID,
		"created_at": meta.createdAt.UTC().Format(time.RFC3339Nano),
	}
	for key, value := range values {
		err := sqlitex.Execute(conn,
			"INSERT INTO _session_meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return fmt.Errorf("writing session meta %s: %w", key, err)
		}
	}
	return nil
}

// readMeta returns the recorded metadata. A store without the meta
// table yields zero values rather than an error.
func readMeta(conn *sqlite.Conn) (storeMeta, error) {
	var tableCount int
	err := sqlitex.Execute(conn,
		"SELECT count(*) FROM sqlite_schema WHERE type = 'table' AND name = '_session_meta'",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			tableCount = stmt.ColumnInt(0)
			return nil
		}})
	if err != nil {
		return storeMeta{}, fmt.Errorf("reading session meta: %w", err)
	}
	if tableCount == 0 {
		return storeMeta{}, nil
	}

	var meta storeMeta
	var parseErr error
	err = sqlitex.Execute(conn, "SELECT key, value FROM _session_meta", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			switch stmt.ColumnText(0) {
			case "session_id":
				meta.sessionID = stmt.ColumnText(1)
			case "created_at":
				meta.createdAt, parseErr = time.Parse(time.RFC3339Nano, stmt.ColumnText(1))
			}
			return nil
		},
	})
	if err != nil {
		return storeMeta{}, fmt.Errorf("reading session meta: %w", err)
	}
	if parseErr != nil {
		return storeMeta{}, fmt.Errorf("parsing session created_at: %w", parseErr)
	}
	return meta, nil
}
