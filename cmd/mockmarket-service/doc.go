// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mockmarket-service is a mock of the marketplace listings API for
// agent training. Every test session gets its own SQLite store seeded
// from the listings baseline: a harness creates a session, drives the
// listings endpoints with the session id in the X-Session-ID header,
// inspects or snapshots the resulting state, and resets or deletes the
// session when done. Idle sessions are reclaimed in the background.
//
// Configuration comes from the file named by --config or
// MOCKMARKET_CONFIG; see lib/config.
package main
