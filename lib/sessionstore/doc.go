// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionstore gives every test session of the mock marketplace
// its own isolated SQLite store.
//
// A session id names exactly one physical file, <dir>/<id>.db. The
// directory listing is the durable catalog: there is no index file, and
// a session exists exactly when its file does. The in-memory [Registry]
// only caches live handles, so a process restart loses no sessions. The
// next [Manager.Resolve] of an id whose file exists rehydrates a handle
// over the existing content without reseeding it.
//
// # Lifecycle
//
//   - [Manager.Create] generates a fresh id, provisions the store,
//     applies the schema and seeds the baseline through the injected
//     [BaselineLoader]. An id that collides with an existing store is
//     regenerated. A failed create leaves neither a file nor a registry
//     entry behind.
//   - [Manager.Resolve] reuses a resident handle, rehydrates from disk,
//     or provisions and seeds an unknown id. [Manager.ResolveExisting]
//     rejects unknown ids with [ErrNotFound] instead.
//   - [Manager.Reset] builds a seeded replacement under a temporary
//     name and renames it over the live store. A failed reset leaves the
//     previous content in place.
//   - [Manager.Delete] removes the store. A later Resolve of the same id
//     starts from the baseline.
//   - [Manager.ReclaimIdle] deletes sessions not accessed for a given
//     age. [Reaper] runs it on a ticker.
//
// # Concurrency
//
// Each operation holds a per-session lock for its full duration, file
// I/O included, so two callers never provision or reseed the same id at
// once. The registry has its own mutex, held only for map access.
// Operations on different sessions never wait for each other.
//
// Provisioning, seeding and reset are bounded by
// [Config.OperationTimeout]. A timed-out operation returns at once with
// an error wrapping [context.DeadlineExceeded]; the session stays
// locked until the abandoned work has cleaned up after itself.
//
// # Errors
//
// Every operation error is an [*Error] whose Kind is one of the Err*
// sentinels. Use errors.Is to classify, and [Retryable] to decide
// whether a client may try again.
//
// One process owns a sessions directory at a time. [Open] enforces this
// with a lock file and fails with [ErrDirectoryInUse] otherwise.
package sessionstore
