// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package listings is the marketplace listings domain stored inside
// each session store: the listings_items schema, the canonical baseline
// loaded into new and reset sessions, item reads and writes, and a
// summary of a store's state for test harnesses.
//
// The baseline is an embedded YAML document (8 sellers, 52 listings). A
// deployment may point at its own baseline file instead, in YAML or in
// JSONC (JSON with comments and trailing commas).
//
// Every function here takes a *sqlite.Conn obtained from a session
// handle. None of them know which session they are operating on; the
// isolation comes from sessionstore handing out one store per session.
package listings
