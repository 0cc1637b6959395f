// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mockmarket/lib/clock"
	"github.com/bureau-foundation/mockmarket/lib/sessionstore"
	"github.com/bureau-foundation/mockmarket/lib/testutil"
)

var managerTestEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// baselineRecords is the number of rows the test baseline inserts.
const baselineRecords = 5

var recordsSchema = sessionstore.SchemaFunc(func(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, `
		CREATE TABLE records (
			id   INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		);
	`, nil)
})

// testBaseline seeds baselineRecords rows and counts its invocations.
// Setting fail makes the next seeds return an error.
type testBaseline struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (b *testBaseline) Seed(ctx context.Context, conn *sqlite.Conn) error {
	b.calls.Add(1)
	if b.fail.Load() {
		return errors.New("baseline unavailable")
	}
	for i := range baselineRecords {
		err := sqlitex.Execute(conn, "INSERT INTO records (name) VALUES (?)",
			&sqlitex.ExecOptions{Args: []any{fmt.Sprintf("baseline-%d", i)}})
		if err != nil {
			return err
		}
	}
	return nil
}

// gatedBaseline seeds like testBaseline, but while armed every seed
// announces itself on entered and then blocks until release.
type gatedBaseline struct {
	testBaseline
	armed   atomic.Bool
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedBaseline() *gatedBaseline {
	return &gatedBaseline{
		entered: make(chan struct{}, 4),
		gate:    make(chan struct{}),
	}
}

func (b *gatedBaseline) Seed(ctx context.Context, conn *sqlite.Conn) error {
	if b.armed.Load() {
		b.entered <- struct{}{}
		<-b.gate
	}
	return b.testBaseline.Seed(ctx, conn)
}

func (b *gatedBaseline) release() {
	b.once.Do(func() { close(b.gate) })
}

type managerOptions struct {
	dir      string
	clock    clock.Clock
	baseline sessionstore.BaselineLoader
	timeout  time.Duration
}

func openTestManager(t *testing.T, options managerOptions) *sessionstore.Manager {
	t.Helper()
	if options.dir == "" {
		options.dir = filepath.Join(t.TempDir(), "sessions")
	}
	if options.clock == nil {
		options.clock = clock.Fake(managerTestEpoch)
	}
	if options.baseline == nil {
		options.baseline = &testBaseline{}
	}

	manager, err := sessionstore.Open(sessionstore.Config{
		Dir:              options.dir,
		Schema:           recordsSchema,
		Baseline:         options.baseline,
		Clock:            options.clock,
		OperationTimeout: options.timeout,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := manager.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return manager
}

func countRecords(t *testing.T, handle *sessionstore.Handle) int {
	t.Helper()
	var count int
	err := handle.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM records", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("counting records: %v", err)
	}
	return count
}

func insertRecords(t *testing.T, handle *sessionstore.Handle, names ...string) {
	t.Helper()
	err := handle.Write(context.Background(), func(conn *sqlite.Conn) error {
		for _, name := range names {
			err := sqlitex.Execute(conn, "INSERT INTO records (name) VALUES (?)",
				&sqlitex.ExecOptions{Args: []any{name}})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting records: %v", err)
	}
}

func hasRecord(t *testing.T, handle *sessionstore.Handle, name string) bool {
	t.Helper()
	var found bool
	err := handle.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT 1 FROM records WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("looking up record %q: %v", name, err)
	}
	return found
}

// directoryEntries returns the names in dir other than the lock file.
func directoryEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Name() == ".lock" {
			continue
		}
		names = append(names, entry.Name())
	}
	return names
}

func storeFiles(t *testing.T, dir string) []string {
	t.Helper()
	var stores []string
	for _, name := range directoryEntries(t, dir) {
		if strings.HasSuffix(name, ".db") {
			stores = append(stores, name)
		}
	}
	return stores
}

func TestCreateThenResolveReturnsBaseline(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sessionstore.ValidID(id) {
		t.Fatalf("Create returned malformed id %q", id)
	}

	handle, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := countRecords(t, handle); got != baselineRecords {
		t.Errorf("records = %d, want %d", got, baselineRecords)
	}
	if handle.SessionID() != id {
		t.Errorf("SessionID = %q, want %q", handle.SessionID(), id)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	ctx := context.Background()

	first, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create first: %v", err)
	}
	second, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if first == second {
		t.Fatalf("Create returned the same id twice: %s", first)
	}

	firstHandle, err := manager.Resolve(ctx, first)
	if err != nil {
		t.Fatalf("Resolve first: %v", err)
	}
	insertRecords(t, firstHandle, "only-in-first")

	secondHandle, err := manager.Resolve(ctx, second)
	if err != nil {
		t.Fatalf("Resolve second: %v", err)
	}
	if firstHandle.Location() == secondHandle.Location() {
		t.Fatalf("sessions share location %s", firstHandle.Location())
	}
	if hasRecord(t, secondHandle, "only-in-first") {
		t.Error("write to first session is visible in second session")
	}
	if got := countRecords(t, secondHandle); got != baselineRecords {
		t.Errorf("second session records = %d, want %d", got, baselineRecords)
	}
}

func TestResolveTwiceSharesStore(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	insertRecords(t, first, "shared")

	second, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if first != second {
		t.Error("second Resolve returned a different handle")
	}
	if !hasRecord(t, second, "shared") {
		t.Error("write through first handle not visible through second")
	}
}

func TestResolveUnknownIDProvisionsBaseline(t *testing.T) {
	baseline := &testBaseline{}
	manager := openTestManager(t, managerOptions{baseline: baseline})
	id := sessionstore.IDPrefix + strings.Repeat("ab", 16)

	handle, err := manager.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := countRecords(t, handle); got != baselineRecords {
		t.Errorf("records = %d, want %d", got, baselineRecords)
	}
	if calls := baseline.calls.Load(); calls != 1 {
		t.Errorf("baseline seeded %d times, want 1", calls)
	}
}

func TestResolveExistingRejectsUnknownID(t *testing.T) {
	options := managerOptions{dir: filepath.Join(t.TempDir(), "sessions")}
	manager := openTestManager(t, options)
	id := sessionstore.IDPrefix + strings.Repeat("0", 32)

	_, err := manager.ResolveExisting(context.Background(), id)
	if !errors.Is(err, sessionstore.ErrNotFound) {
		t.Fatalf("ResolveExisting error = %v, want ErrNotFound", err)
	}
	if stores := storeFiles(t, options.dir); len(stores) != 0 {
		t.Errorf("ResolveExisting created stores: %v", stores)
	}
}

func TestInvalidIDsRejected(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	ctx := context.Background()

	for _, id := range []string{
		"",
		"session_",
		"../../etc/passwd",
		"session_" + strings.Repeat("a", 31),
		"session_" + strings.Repeat("a", 33),
		"session_" + strings.Repeat("A", 32),
		"session_" + strings.Repeat("a", 31) + "/",
		"listings_" + strings.Repeat("a", 32),
	} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			if _, err := manager.Resolve(ctx, id); !errors.Is(err, sessionstore.ErrInvalidID) {
				t.Errorf("Resolve error = %v, want ErrInvalidID", err)
			}
			if err := manager.Reset(ctx, id); !errors.Is(err, sessionstore.ErrInvalidID) {
				t.Errorf("Reset error = %v, want ErrInvalidID", err)
			}
			if err := manager.Delete(ctx, id); !errors.Is(err, sessionstore.ErrInvalidID) {
				t.Errorf("Delete error = %v, want ErrInvalidID", err)
			}
		})
	}
}

func TestResetRestoresBaseline(t *testing.T) {
	options := managerOptions{dir: filepath.Join(t.TempDir(), "sessions")}
	manager := openTestManager(t, options)
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	insertRecords(t, handle, "extra-1", "extra-2", "extra-3")
	if got := countRecords(t, handle); got != baselineRecords+3 {
		t.Fatalf("records before reset = %d, want %d", got, baselineRecords+3)
	}

	if err := manager.Reset(ctx, id); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	handle, err = manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve after reset: %v", err)
	}
	if got := countRecords(t, handle); got != baselineRecords {
		t.Errorf("records after reset = %d, want %d", got, baselineRecords)
	}
	for _, name := range []string{"extra-1", "extra-2", "extra-3"} {
		if hasRecord(t, handle, name) {
			t.Errorf("record %q survived reset", name)
		}
	}

	stores := storeFiles(t, options.dir)
	if len(stores) != 1 || stores[0] != id+".db" {
		t.Errorf("stores after reset = %v, want [%s.db]", stores, id)
	}
	for _, name := range directoryEntries(t, options.dir) {
		if strings.Contains(name, ".reset-") {
			t.Errorf("temporary reset file left behind: %s", name)
		}
	}
}

func TestResetPreservesCreatedAt(t *testing.T) {
	fakeClock := clock.Fake(managerTestEpoch)
	manager := openTestManager(t, managerOptions{clock: fakeClock})
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fakeClock.Advance(time.Hour)
	if err := manager.Reset(ctx, id); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	info, err := manager.Info(ctx, id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.CreatedAt.Equal(managerTestEpoch) {
		t.Errorf("CreatedAt = %v, want %v", info.CreatedAt, managerTestEpoch)
	}
	if want := managerTestEpoch.Add(time.Hour); !info.LastAccessedAt.Equal(want) {
		t.Errorf("LastAccessedAt = %v, want %v", info.LastAccessedAt, want)
	}
}

func TestResetUnknownSessionReturnsNotFound(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	id := sessionstore.IDPrefix + strings.Repeat("c", 32)

	err := manager.Reset(context.Background(), id)
	if !errors.Is(err, sessionstore.ErrNotFound) {
		t.Fatalf("Reset error = %v, want ErrNotFound", err)
	}
	if sessionstore.Retryable(err) {
		t.Error("Retryable(not found) = true")
	}
}

func TestResetSeedFailureKeepsPreviousContent(t *testing.T) {
	options := managerOptions{
		dir:      filepath.Join(t.TempDir(), "sessions"),
		baseline: &testBaseline{},
	}
	baseline := options.baseline.(*testBaseline)
	manager := openTestManager(t, options)
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	insertRecords(t, handle, "kept")

	baseline.fail.Store(true)
	err = manager.Reset(ctx, id)
	if !errors.Is(err, sessionstore.ErrReset) || !errors.Is(err, sessionstore.ErrSeed) {
		t.Fatalf("Reset error = %v, want ErrReset wrapping ErrSeed", err)
	}
	if !sessionstore.Retryable(err) {
		t.Error("Retryable(reset failure) = false")
	}

	handle, err = manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve after failed reset: %v", err)
	}
	if got := countRecords(t, handle); got != baselineRecords+1 {
		t.Errorf("records after failed reset = %d, want %d", got, baselineRecords+1)
	}
	if !hasRecord(t, handle, "kept") {
		t.Error("pre-reset record lost after failed reset")
	}
	for _, name := range directoryEntries(t, options.dir) {
		if strings.Contains(name, ".reset-") {
			t.Errorf("temporary reset file left behind: %s", name)
		}
	}
}

func TestRestartRehydratesWithoutReseeding(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	ctx := context.Background()

	first, err := sessionstore.Open(sessionstore.Config{
		Dir:      dir,
		Schema:   recordsSchema,
		Baseline: &testBaseline{},
		Clock:    clock.Fake(managerTestEpoch),
	})
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	id, err := first.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := first.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	insertRecords(t, handle, "before-restart-1", "before-restart-2", "before-restart-3")
	if err := first.Close(); err != nil {
		t.Fatalf("Close first: %v", err)
	}

	baseline := &testBaseline{}
	second := openTestManager(t, managerOptions{dir: dir, baseline: baseline})
	if resident := second.ResidentCount(); resident != 0 {
		t.Fatalf("resident sessions after restart = %d, want 0", resident)
	}

	handle, err = second.ResolveExisting(ctx, id)
	if err != nil {
		t.Fatalf("ResolveExisting after restart: %v", err)
	}
	if got := countRecords(t, handle); got != baselineRecords+3 {
		t.Errorf("records after restart = %d, want %d", got, baselineRecords+3)
	}
	if calls := baseline.calls.Load(); calls != 0 {
		t.Errorf("baseline seeded %d times during rehydration, want 0", calls)
	}

	info, err := second.Info(ctx, id)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.CreatedAt.Equal(managerTestEpoch) {
		t.Errorf("CreatedAt after restart = %v, want %v", info.CreatedAt, managerTestEpoch)
	}
}

func TestDeleteThenResolveYieldsBaseline(t *testing.T) {
	options := managerOptions{dir: filepath.Join(t.TempDir(), "sessions")}
	manager := openTestManager(t, options)
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	insertRecords(t, handle, "doomed")

	if err := manager.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if stores := storeFiles(t, options.dir); len(stores) != 0 {
		t.Fatalf("stores after delete = %v, want none", stores)
	}
	exists, err := manager.Exists(id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("Exists after delete = true")
	}

	handle, err = manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve after delete: %v", err)
	}
	if got := countRecords(t, handle); got != baselineRecords {
		t.Errorf("records after delete and resolve = %d, want %d", got, baselineRecords)
	}
	if hasRecord(t, handle, "doomed") {
		t.Error("deleted session content came back")
	}
}

func TestDeleteUnknownReturnsNotFound(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Delete(ctx, id); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	err = manager.Delete(ctx, id)
	if !errors.Is(err, sessionstore.ErrNotFound) {
		t.Fatalf("second Delete error = %v, want ErrNotFound", err)
	}
	var sessionError *sessionstore.Error
	if !errors.As(err, &sessionError) {
		t.Fatalf("error %T is not *sessionstore.Error", err)
	}
	if sessionError.Op != "delete" || sessionError.SessionID != id {
		t.Errorf("error Op/SessionID = %q/%q, want delete/%s", sessionError.Op, sessionError.SessionID, id)
	}
}

func TestCreateSeedFailureLeavesNothing(t *testing.T) {
	baseline := &testBaseline{}
	baseline.fail.Store(true)
	options := managerOptions{dir: filepath.Join(t.TempDir(), "sessions"), baseline: baseline}
	manager := openTestManager(t, options)

	_, err := manager.Create(context.Background())
	if !errors.Is(err, sessionstore.ErrSeed) {
		t.Fatalf("Create error = %v, want ErrSeed", err)
	}
	if entries := directoryEntries(t, options.dir); len(entries) != 0 {
		t.Errorf("files left after failed create: %v", entries)
	}
	if resident := manager.ResidentCount(); resident != 0 {
		t.Errorf("resident sessions after failed create = %d, want 0", resident)
	}
	sessions, err := manager.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("List after failed create = %v, want empty", sessions)
	}
}

func TestConcurrentResolveProvisionsOnce(t *testing.T) {
	baseline := &testBaseline{}
	manager := openTestManager(t, managerOptions{baseline: baseline})
	id := sessionstore.IDPrefix + strings.Repeat("5e", 16)

	const callers = 16
	handles := make([]*sessionstore.Handle, callers)
	errs := make([]error, callers)
	var wait sync.WaitGroup
	for i := range callers {
		wait.Add(1)
		go func() {
			defer wait.Done()
			handles[i], errs[i] = manager.Resolve(context.Background(), id)
		}()
	}
	wait.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
		if handles[i] != handles[0] {
			t.Errorf("Resolve %d returned a different handle", i)
		}
	}
	if calls := baseline.calls.Load(); calls != 1 {
		t.Errorf("baseline seeded %d times, want 1", calls)
	}
	if got := countRecords(t, handles[0]); got != baselineRecords {
		t.Errorf("records = %d, want %d", got, baselineRecords)
	}
}

func TestOperationsOnDifferentSessionsDoNotBlock(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	seeder := &testBaseline{}
	blockFirst := sessionstore.BaselineFunc(func(ctx context.Context, conn *sqlite.Conn) error {
		if calls.Add(1) == 1 {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return seeder.Seed(ctx, conn)
	})
	manager := openTestManager(t, managerOptions{baseline: blockFirst})
	ctx := context.Background()

	slow := sessionstore.IDPrefix + strings.Repeat("1", 32)
	done := make(chan error, 1)
	go func() {
		_, err := manager.Resolve(ctx, slow)
		done <- err
	}()
	<-entered

	// The slow session holds its lock for the whole seed. Another
	// session provisions and resets meanwhile.
	other, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create while another session is seeding: %v", err)
	}
	if err := manager.Reset(ctx, other); err != nil {
		t.Fatalf("Reset while another session is seeding: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow Resolve: %v", err)
	}
}

func TestCreateTimesOutOnWedgedSeeder(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool
	wedged := sessionstore.BaselineFunc(func(ctx context.Context, conn *sqlite.Conn) error {
		<-release
		finished.Store(true)
		return nil
	})
	dir := filepath.Join(t.TempDir(), "sessions")
	manager, err := sessionstore.Open(sessionstore.Config{
		Dir:              dir,
		Schema:           recordsSchema,
		Baseline:         wedged,
		Clock:            clock.Fake(managerTestEpoch),
		OperationTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = manager.Create(context.Background())
	if !errors.Is(err, sessionstore.ErrProvisioning) {
		t.Errorf("Create error = %v, want ErrProvisioning", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Create error = %v, want context.DeadlineExceeded", err)
	}

	close(release)
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !finished.Load() {
		t.Error("Close returned before the abandoned seed finished")
	}
	for _, name := range directoryEntries(t, dir) {
		t.Errorf("file left behind by timed-out create: %s", name)
	}
}

func TestResetTimesOutOnWedgedSeeder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	baseline := newGatedBaseline()
	manager := openTestManager(t, managerOptions{
		dir:      dir,
		baseline: baseline,
		timeout:  300 * time.Millisecond,
	})
	t.Cleanup(baseline.release)
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	insertRecords(t, handle, "kept")

	baseline.armed.Store(true)
	err = manager.Reset(ctx, id)
	testutil.RequireErrorIs(t, err, sessionstore.ErrReset, context.DeadlineExceeded)
	if !sessionstore.Retryable(err) {
		t.Error("Retryable(timed-out reset) = false")
	}

	// The abandoned reset holds the session until it has cleaned up, so
	// this Resolve returns only after it gave up.
	baseline.armed.Store(false)
	baseline.release()
	handle, err = manager.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve after timed-out reset: %v", err)
	}
	if !hasRecord(t, handle, "kept") {
		t.Error("timed-out reset replaced the session content")
	}
	if got := countRecords(t, handle); got != baselineRecords+1 {
		t.Errorf("records after timed-out reset = %d, want %d", got, baselineRecords+1)
	}
	for _, name := range directoryEntries(t, dir) {
		if strings.Contains(name, ".reset-") {
			t.Errorf("temporary reset file left behind: %s", name)
		}
	}
}

func TestReclaimIdleSkipsSessionUnderReset(t *testing.T) {
	fakeClock := clock.Fake(managerTestEpoch)
	baseline := newGatedBaseline()
	manager := openTestManager(t, managerOptions{
		clock:    fakeClock,
		baseline: baseline,
		timeout:  time.Minute,
	})
	t.Cleanup(baseline.release)
	ctx := context.Background()

	id, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fakeClock.Advance(2 * time.Hour)

	baseline.armed.Store(true)
	resetResult := make(chan error, 1)
	go func() { resetResult <- manager.Reset(ctx, id) }()
	testutil.RequireReceive(t, baseline.entered, 5*time.Second, "reset reaching the seeder")

	deleted, err := manager.ReclaimIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimIdle during reset: %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("ReclaimIdle during reset deleted %v, want none", deleted)
	}
	if exists, err := manager.Exists(id); err != nil || !exists {
		t.Fatalf("Exists during reset = %v, %v; want true", exists, err)
	}

	baseline.armed.Store(false)
	baseline.release()
	if err := testutil.RequireReceive(t, resetResult, 5*time.Second, "reset result"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// The reset counts as an access.
	deleted, err = manager.ReclaimIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimIdle after reset: %v", err)
	}
	if len(deleted) != 0 {
		t.Fatalf("ReclaimIdle right after reset deleted %v, want none", deleted)
	}

	fakeClock.Advance(2 * time.Hour)
	deleted, err = manager.ReclaimIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("later ReclaimIdle: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != id {
		t.Fatalf("later ReclaimIdle deleted %v, want [%s]", deleted, id)
	}
}

func TestCloseDuringCreates(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	ctx := context.Background()

	var group sync.WaitGroup
	results := make(chan error, 8)
	for range 8 {
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := manager.Create(ctx)
			results <- err
		}()
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	group.Wait()
	close(results)

	for err := range results {
		if err != nil && !errors.Is(err, sessionstore.ErrClosed) {
			t.Errorf("Create racing Close = %v, want nil or ErrClosed", err)
		}
	}
	if manager.ResidentCount() != 0 {
		t.Errorf("ResidentCount after Close = %d, want 0", manager.ResidentCount())
	}
}

func TestReclaimIdleDeletesOnlyStaleSessions(t *testing.T) {
	fakeClock := clock.Fake(managerTestEpoch)
	manager := openTestManager(t, managerOptions{clock: fakeClock})
	ctx := context.Background()

	stale, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create stale: %v", err)
	}
	fresh, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	fakeClock.Advance(2 * time.Hour)
	if _, err := manager.Resolve(ctx, fresh); err != nil {
		t.Fatalf("Resolve fresh: %v", err)
	}

	deleted, err := manager.ReclaimIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimIdle: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != stale {
		t.Fatalf("ReclaimIdle deleted %v, want [%s]", deleted, stale)
	}
	if exists, _ := manager.Exists(stale); exists {
		t.Error("stale session still exists")
	}
	if exists, _ := manager.Exists(fresh); !exists {
		t.Error("fresh session was reclaimed")
	}

	deleted, err = manager.ReclaimIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("second ReclaimIdle: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("second ReclaimIdle deleted %v, want none", deleted)
	}
}

func TestReclaimIdleCoversSessionsOnlyOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	ctx := context.Background()

	first, err := sessionstore.Open(sessionstore.Config{
		Dir:      dir,
		Schema:   recordsSchema,
		Baseline: &testBaseline{},
		Clock:    clock.Fake(managerTestEpoch),
	})
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	id, err := first.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close first: %v", err)
	}

	lastWrite := managerTestEpoch.Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, id+".db"), lastWrite, lastWrite); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	second := openTestManager(t, managerOptions{dir: dir, clock: clock.Fake(managerTestEpoch)})
	deleted, err := second.ReclaimIdle(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("ReclaimIdle: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != id {
		t.Fatalf("ReclaimIdle deleted %v, want [%s]", deleted, id)
	}
	if second.ResidentCount() != 0 {
		t.Error("reclamation rehydrated the session")
	}
}

func TestReclaimIdleRejectsNegativeAge(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	if _, err := manager.ReclaimIdle(context.Background(), -time.Second); err == nil {
		t.Fatal("ReclaimIdle with negative age succeeded")
	}
}

func TestListReportsResidentAndOnDiskSessions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	ctx := context.Background()

	first, err := sessionstore.Open(sessionstore.Config{
		Dir:      dir,
		Schema:   recordsSchema,
		Baseline: &testBaseline{},
		Clock:    clock.Fake(managerTestEpoch),
	})
	if err != nil {
		t.Fatalf("Open first: %v", err)
	}
	dormant, err := first.Create(ctx)
	if err != nil {
		t.Fatalf("Create dormant: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close first: %v", err)
	}

	fakeClock := clock.Fake(managerTestEpoch)
	second := openTestManager(t, managerOptions{dir: dir, clock: fakeClock})
	older, err := second.Create(ctx)
	if err != nil {
		t.Fatalf("Create older: %v", err)
	}
	fakeClock.Advance(time.Minute)
	newer, err := second.Create(ctx)
	if err != nil {
		t.Fatalf("Create newer: %v", err)
	}

	sessions, err := second.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("List returned %d sessions, want 3: %v", len(sessions), sessions)
	}

	byID := make(map[string]sessionstore.Info)
	var residentOrder []string
	for _, info := range sessions {
		byID[info.ID] = info
		if info.StorageSizeBytes <= 0 {
			t.Errorf("session %s StorageSizeBytes = %d", info.ID, info.StorageSizeBytes)
		}
		if info.Resident {
			residentOrder = append(residentOrder, info.ID)
		}
	}
	if byID[dormant].Resident {
		t.Error("dormant session reported resident")
	}
	if !byID[dormant].CreatedAt.Equal(managerTestEpoch) {
		t.Errorf("dormant CreatedAt = %v, want %v", byID[dormant].CreatedAt, managerTestEpoch)
	}
	if len(residentOrder) != 2 || residentOrder[0] != newer || residentOrder[1] != older {
		t.Errorf("resident sessions in order %v, want [%s %s]", residentOrder, newer, older)
	}
	if second.ResidentCount() != 2 {
		t.Errorf("List rehydrated sessions: resident = %d, want 2", second.ResidentCount())
	}
}

func TestInfoUnknownSession(t *testing.T) {
	manager := openTestManager(t, managerOptions{})
	_, err := manager.Info(context.Background(), sessionstore.IDPrefix+strings.Repeat("d", 32))
	if !errors.Is(err, sessionstore.ErrNotFound) {
		t.Fatalf("Info error = %v, want ErrNotFound", err)
	}
}

func TestSecondManagerOnSameDirectoryFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory lock is a no-op on this platform")
	}
	dir := filepath.Join(t.TempDir(), "sessions")
	openTestManager(t, managerOptions{dir: dir})

	_, err := sessionstore.Open(sessionstore.Config{
		Dir:      dir,
		Baseline: &testBaseline{},
		Clock:    clock.Fake(managerTestEpoch),
	})
	if !errors.Is(err, sessionstore.ErrDirectoryInUse) {
		t.Fatalf("second Open error = %v, want ErrDirectoryInUse", err)
	}
}

func TestOpenRemovesDebris(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	id := sessionstore.IDPrefix + strings.Repeat("e", 32)
	debris := []string{
		id + ".db.reset-ABCDEF",
		id + ".db.reset-ABCDEF-wal",
		".snapshot-" + id + "-XYZ",
	}
	for _, name := range debris {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	openTestManager(t, managerOptions{dir: dir})
	if entries := directoryEntries(t, dir); len(entries) != 0 {
		t.Errorf("debris left after Open: %v", entries)
	}
}

func TestOpenValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config sessionstore.Config
	}{
		{"missing dir", sessionstore.Config{Baseline: &testBaseline{}, Clock: clock.Real()}},
		{"missing baseline", sessionstore.Config{Dir: dir, Clock: clock.Real()}},
		{"missing clock", sessionstore.Config{Dir: dir, Baseline: &testBaseline{}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if manager, err := sessionstore.Open(test.config); err == nil {
				manager.Close()
				t.Fatal("Open succeeded")
			}
		})
	}
}

func TestClosedManagerRejectsOperations(t *testing.T) {
	manager, err := sessionstore.Open(sessionstore.Config{
		Dir:      filepath.Join(t.TempDir(), "sessions"),
		Schema:   recordsSchema,
		Baseline: &testBaseline{},
		Clock:    clock.Fake(managerTestEpoch),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := manager.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle, err := manager.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := manager.Create(context.Background()); !errors.Is(err, sessionstore.ErrClosed) {
		t.Errorf("Create after Close = %v, want ErrClosed", err)
	}
	if _, err := manager.Resolve(context.Background(), id); !errors.Is(err, sessionstore.ErrClosed) {
		t.Errorf("Resolve after Close = %v, want ErrClosed", err)
	}
	if _, err := manager.Info(context.Background(), id); !errors.Is(err, sessionstore.ErrClosed) {
		t.Errorf("Info after Close = %v, want ErrClosed", err)
	}
	if _, err := manager.List(context.Background()); !errors.Is(err, sessionstore.ErrClosed) {
		t.Errorf("List after Close = %v, want ErrClosed", err)
	}
	if _, err := manager.ReclaimIdle(context.Background(), time.Hour); !errors.Is(err, sessionstore.ErrClosed) {
		t.Errorf("ReclaimIdle after Close = %v, want ErrClosed", err)
	}
	if _, err := handle.Take(context.Background()); err == nil {
		t.Error("Take on a handle of a closed manager succeeded")
	}
}
