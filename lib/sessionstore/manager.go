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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/bureau-foundation/mockmarket/lib/clock"
)

// DefaultOperationTimeout bounds a cold resolve, a create, or a reset
// when Config.OperationTimeout is zero.
const DefaultOperationTimeout = 30 * time.Second

// maxCreateAttempts bounds how many fresh ids Create tries when a
// generated id collides with an existing store.
const maxCreateAttempts = 8

// BaselineLoader inserts the canonical record set into a store whose
// schema is empty. It is only ever called on a store that was created
// moments earlier, so it need not guard against existing rows. The
// connection's interrupt is bound to ctx: SQL work stops when the
// operation deadline passes.
type BaselineLoader interface {
	Seed(ctx context.Context, conn *sqlite.Conn) error
}

// BaselineFunc adapts a function to BaselineLoader.
type BaselineFunc func(ctx context.Context, conn *sqlite.Conn) error

// Seed calls f(ctx, conn).
func (f BaselineFunc) Seed(ctx context.Context, conn *sqlite.Conn) error { return f(ctx, conn) }

// Config holds the parameters for opening a Manager.
type Config struct {
	// Dir is the sessions directory. Created if missing. One process
	// owns it at a time.
	Dir string

	// Schema establishes the domain tables of each new store.
	Schema SchemaDefinition

	// Baseline seeds new and reset stores. Required.
	Baseline BaselineLoader

	// Registry caches live handles. A new one is created if nil.
	Registry *Registry

	// Clock supplies creation and access times. Required.
	Clock clock.Clock

	// Logger receives lifecycle messages. Discarded if nil.
	Logger *slog.Logger

	// PoolSize is the connection count per session store.
	PoolSize int

	// OperationTimeout bounds provisioning, seeding and reset.
	// Defaults to DefaultOperationTimeout.
	OperationTimeout time.Duration
}

// Manager gives every session its own isolated SQLite store: it
// provisions and seeds stores on demand, rehydrates them after a
// restart, resets them to the baseline, and deletes or reclaims them.
//
// Operations on one session id are serialized by a per-session lock
// held for the whole operation, including its file I/O. Operations on
// different ids proceed in parallel; the registry mutex is only held
// for map access. Manager starts no goroutines of its own except to
// finish cleaning up an operation that outlived its deadline.
type Manager struct {
	provisioner      *Provisioner
	baseline         BaselineLoader
	registry         *Registry
	locks            *lockTable
	clock            clock.Clock
	logger           *slog.Logger
	operationTimeout time.Duration
	directoryLock    *directoryLock

	// closing serializes the transition to closed against inflight.Add,
	// so Close never waits on a counter that is still growing.
	closing sync.Mutex
	closed  atomic.Bool

	// inflight counts bounded operations, including ones that exceeded
	// their deadline and are finishing in the background. Close waits
	// for them.
	inflight sync.WaitGroup
}

// Info describes one session as reported by List and Info.
type Info struct {
	ID               string
	CreatedAt        time.Time
	LastAccessedAt   time.Time
	StorageSizeBytes int64

	// Resident is true when the session has a live handle.
	Resident bool
}

// Open validates cfg, takes ownership of the sessions directory, and
// removes temporary files left by a previous crash. Existing stores are
// not opened; they are rehydrated lazily on first use.
func Open(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sessionstore: Dir is required")
	}
	if cfg.Baseline == nil {
		return nil, fmt.Errorf("sessionstore: Baseline is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("sessionstore: Clock is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: creating sessions directory: %w", err)
	}
	directoryLock, err := lockDirectory(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: %w", err)
	}

	provisioner := NewProvisioner(cfg.Dir, cfg.Schema, cfg.PoolSize, logger)
	removed, err := provisioner.removeDebris()
	if err != nil {
		logger.Warn("removing stale temporary files failed", "dir", cfg.Dir, "error", err)
	}
	if removed > 0 {
		logger.Info("removed stale temporary files", "dir", cfg.Dir, "count", removed)
	}

	logger.Info("session store opened",
		"dir", cfg.Dir,
		"operation_timeout", timeout,
	)

	return &Manager{
		provisioner:      provisioner,
		baseline:         cfg.Baseline,
		registry:         registry,
		locks:            newLockTable(),
		clock:            cfg.Clock,
		logger:           logger,
		operationTimeout: timeout,
		directoryLock:    directoryLock,
	}, nil
}

// Close waits for in-flight and abandoned operations to finish, closes every resident
// handle and releases the sessions directory. Stores stay on disk.
func (m *Manager) Close() error {
	m.closing.Lock()
	if m.closed.Load() {
		m.closing.Unlock()
		return nil
	}
	m.closed.Store(true)
	m.closing.Unlock()
	m.inflight.Wait()

	var errs []error
	for id, handle := range m.registry.closeAll() {
		if err := handle.close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session %s: %w", id, err))
		}
	}
	if err := m.directoryLock.release(); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("session store closed")
	return errors.Join(errs...)
}

// Dir returns the sessions directory.
func (m *Manager) Dir() string {
	return m.provisioner.dir
}

// ResidentCount returns the number of sessions with a live handle.
func (m *Manager) ResidentCount() int {
	return m.registry.Len()
}

// Exists reports whether id has a physical store. The filesystem, not
// the registry, is the authority.
func (m *Manager) Exists(id string) (bool, error) {
	if !ValidID(id) {
		return false, newError("exists", id, ErrInvalidID, nil)
	}
	if _, _, ok := m.registry.Get(id); ok {
		return true, nil
	}
	exists, err := m.provisioner.Exists(id)
	if err != nil {
		return false, newError("exists", id, ErrProvisioning, err)
	}
	return exists, nil
}

// Create provisions and seeds a store under a freshly generated id and
// returns the id. If a generated id already has a store on disk, a new
// id is generated; existing data is never touched. On failure no file
// and no registry entry remain.
func (m *Manager) Create(ctx context.Context) (string, error) {
	const op = "create"
	if m.closed.Load() {
		return "", newError(op, "", ErrClosed, nil)
	}

	for range maxCreateAttempts {
		id, err := m.registry.GenerateID()
		if err != nil {
			return "", newError(op, "", ErrProvisioning, err)
		}
		created, err := m.createUnused(ctx, id)
		if err != nil {
			return "", err
		}
		if created {
			return id, nil
		}
		m.logger.Warn("generated session id already in use, regenerating", "session_id", id)
	}
	return "", newError(op, "", ErrProvisioning,
		fmt.Errorf("no unused session id after %d attempts", maxCreateAttempts))
}

// createUnused materializes id unless it already exists, in which case
// it reports false without side effects.
func (m *Manager) createUnused(ctx context.Context, id string) (bool, error) {
	const op = "create"
	lock, err := m.locks.acquire(ctx, id)
	if err != nil {
		return false, newError(op, id, ErrProvisioning, err)
	}
	defer lock.release()

	if _, _, ok := m.registry.Get(id); ok {
		return false, nil
	}
	exists, err := m.provisioner.Exists(id)
	if err != nil {
		return false, newError(op, id, ErrProvisioning, err)
	}
	if exists {
		return false, nil
	}
	if _, err := m.materialize(ctx, op, id, lock); err != nil {
		return false, err
	}
	return true, nil
}

// Resolve returns the live handle for id. A resident handle is reused;
// a store on disk without a handle is reopened as is (never reseeded);
// an unknown id is provisioned and seeded. Use ResolveExisting where an
// unknown id must be rejected instead.
func (m *Manager) Resolve(ctx context.Context, id string) (*Handle, error) {
	return m.resolve(ctx, "resolve", id, true)
}

// ResolveExisting is Resolve for callers that require the session to
// have been created already. An unknown id fails with ErrNotFound and
// nothing is created.
func (m *Manager) ResolveExisting(ctx context.Context, id string) (*Handle, error) {
	return m.resolve(ctx, "resolve", id, false)
}

func (m *Manager) resolve(ctx context.Context, op, id string, allowCreate bool) (*Handle, error) {
	if !ValidID(id) {
		return nil, newError(op, id, ErrInvalidID, nil)
	}
	if m.closed.Load() {
		return nil, newError(op, id, ErrClosed, nil)
	}

	lock, err := m.locks.acquire(ctx, id)
	if err != nil {
		return nil, newError(op, id, ErrProvisioning, err)
	}
	defer lock.release()

	return m.resolveLocked(ctx, op, id, allowCreate, lock)
}

// resolveLocked requires the session lock for id.
func (m *Manager) resolveLocked(ctx context.Context, op, id string, allowCreate bool, lock *sessionLock) (*Handle, error) {
	if handle, _, ok := m.registry.Get(id); ok {
		m.registry.Touch(id, m.clock.Now())
		return handle, nil
	}

	exists, err := m.provisioner.Exists(id)
	if err != nil {
		return nil, newError(op, id, ErrProvisioning, err)
	}
	if exists {
		return m.rehydrate(ctx, op, id)
	}
	if !allowCreate {
		return nil, newError(op, id, ErrNotFound, nil)
	}
	return m.materialize(ctx, op, id, lock)
}

// rehydrate opens an existing store and registers it. The baseline
// loader is deliberately not involved: the store keeps whatever content
// it had before the handle went away.
func (m *Manager) rehydrate(ctx context.Context, op, id string) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	handle, meta, err := m.provisioner.open(ctx, id)
	if err != nil {
		return nil, newError(op, id, ErrProvisioning, err)
	}

	now := m.clock.Now()
	createdAt := meta.createdAt
	if createdAt.IsZero() {
		createdAt = now
	}
	err = m.registry.Put(id, handle, Metadata{
		Location:       handle.location,
		CreatedAt:      createdAt,
		LastAccessedAt: now,
		State:          StateActive,
	})
	if err != nil {
		handle.close()
		return nil, newError(op, id, ErrClosed, nil)
	}

	m.logger.Info("session rehydrated", "session_id", id)
	return handle, nil
}

// materialize provisions, seeds and registers a brand-new store for
// id. Requires the session lock. Bounded by the operation timeout.
func (m *Manager) materialize(ctx context.Context, op, id string, lock *sessionLock) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	var handle *Handle
	err := m.bounded(ctx, op, id, lock, ErrProvisioning, func(ctx context.Context) error {
		now := m.clock.Now()
		created, err := m.provisioner.create(ctx, id, m.provisioner.Location(id), now)
		if err != nil {
			return newError(op, id, ErrProvisioning, withContextCause(ctx, err))
		}
		if err := m.seed(ctx, created); err != nil {
			m.provisioner.discard(created)
			return newError(op, id, ErrSeed, err)
		}
		if err := ctx.Err(); err != nil {
			m.provisioner.discard(created)
			return newError(op, id, ErrProvisioning, err)
		}
		err = m.registry.Put(id, created, Metadata{
			Location:       created.location,
			CreatedAt:      now,
			LastAccessedAt: now,
			State:          StateActive,
		})
		if err != nil {
			m.provisioner.discard(created)
			return newError(op, id, ErrClosed, nil)
		}
		handle = created
		return nil
	}, func() {
		if abandoned, ok := m.registry.Remove(id); ok {
			m.provisioner.discard(abandoned)
		}
	})
	if err != nil {
		m.logger.Error("session provisioning failed", "session_id", id, "error", err)
		return nil, err
	}

	m.logger.Info("session created", "session_id", id)
	return handle, nil
}

// seed runs the baseline loader on a fresh store.
func (m *Manager) seed(ctx context.Context, handle *Handle) error {
	conn, err := handle.Take(ctx)
	if err != nil {
		return withContextCause(ctx, err)
	}
	defer handle.Put(conn)

	conn.SetInterrupt(ctx.Done())
	if err := m.baseline.Seed(ctx, conn); err != nil {
		return withContextCause(ctx, err)
	}
	return nil
}

// bounded runs operation and waits for it or for ctx, whichever comes
// first. When ctx wins, the caller gets a kind error wrapping ctx.Err()
// at once, and the session lock passes to a background goroutine that
// releases it only after operation has returned and cleaned up. This
// keeps a wedged loader from hanging the caller while still preventing
// anyone else from touching the session mid-operation.
//
// operation must check ctx before making its result visible and clean
// up after itself on every error path. If an abandoned operation still
// succeeds, undo (when non-nil) runs under the session lock to withdraw
// the result the caller was told had failed.
func (m *Manager) bounded(ctx context.Context, op, id string, lock *sessionLock, kind error, operation func(context.Context) error, undo func()) error {
	if !m.beginOperation() {
		return newError(op, id, ErrClosed, nil)
	}

	done := make(chan error, 1)
	go func() { done <- operation(ctx) }()

	select {
	case err := <-done:
		m.inflight.Done()
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		m.inflight.Done()
		return err
	default:
	}

	m.logger.Warn("session operation exceeded its deadline",
		"op", op,
		"session_id", id,
		"timeout", m.operationTimeout,
	)
	lock.releaseWhenDone(done, func(err error) {
		defer m.inflight.Done()
		if err == nil && undo != nil {
			undo()
		}
		m.logger.Info("abandoned session operation finished",
			"op", op,
			"session_id", id,
			"error", err,
		)
	})
	return newError(op, id, kind, ctx.Err())
}

// beginOperation registers a bounded operation with Close. It reports
// false once the Manager is closed.
func (m *Manager) beginOperation() bool {
	m.closing.Lock()
	defer m.closing.Unlock()
	if m.closed.Load() {
		return false
	}
	m.inflight.Add(1)
	return true
}

// withContextCause attaches ctx.Err() to err when the failure happened
// because the context ended, so errors.Is(err, context.DeadlineExceeded)
// holds for interrupted SQL.
func withContextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// Info returns the description of one session. A store without a
// resident handle is inspected without being rehydrated.
func (m *Manager) Info(ctx context.Context, id string) (Info, error) {
	const op = "info"
	if !ValidID(id) {
		return Info{}, newError(op, id, ErrInvalidID, nil)
	}
	if m.closed.Load() {
		return Info{}, newError(op, id, ErrClosed, nil)
	}
	lock, err := m.locks.acquire(ctx, id)
	if err != nil {
		return Info{}, fmt.Errorf("sessionstore: info %s: %w", id, err)
	}
	defer lock.release()

	return m.infoLocked(id)
}

func (m *Manager) infoLocked(id string) (Info, error) {
	const op = "info"
	stat, err := m.provisioner.Stat(id)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, newError(op, id, ErrNotFound, nil)
	}
	if err != nil {
		return Info{}, newError(op, id, ErrProvisioning, err)
	}

	info := Info{ID: id, StorageSizeBytes: stat.SizeBytes}
	if _, metadata, ok := m.registry.Get(id); ok {
		info.CreatedAt = metadata.CreatedAt
		info.LastAccessedAt = metadata.LastAccessedAt
		info.Resident = true
		return info, nil
	}

	info.LastAccessedAt = stat.ModTime
	info.CreatedAt = stat.ModTime
	meta, err := m.provisioner.inspect(id)
	if err != nil {
		m.logger.Warn("reading session metadata failed", "session_id", id, "error", err)
	} else if !meta.createdAt.IsZero() {
		info.CreatedAt = meta.createdAt
	}
	return info, nil
}

// List describes every session, resident or only on disk, most
// recently accessed first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	if m.closed.Load() {
		return nil, newError("list", "", ErrClosed, nil)
	}
	ids, err := m.knownIDs()
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}

	result := make([]Info, 0, len(ids))
	for _, id := range ids {
		lock, err := m.locks.acquire(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: list: %w", err)
		}
		info, err := m.infoLocked(id)
		lock.release()
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastAccessedAt.Equal(result[j].LastAccessedAt) {
			return result[i].LastAccessedAt.After(result[j].LastAccessedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// knownIDs is the union of resident ids and stores on disk.
func (m *Manager) knownIDs() ([]string, error) {
	onDisk, err := m.provisioner.Scan()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(onDisk))
	ids := make([]string, 0, len(onDisk))
	for _, id := range onDisk {
		seen[id] = true
		ids = append(ids, id)
	}
	for _, metadata := range m.registry.List() {
		if !seen[metadata.ID] {
			ids = append(ids, metadata.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
