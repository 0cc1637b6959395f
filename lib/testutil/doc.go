// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the assertions shared by the session store and
// service tests.
//
// [RequireReceive], [RequireNoReceive], and [RequireEventually] are the
// only places in the test suite that wait on the wall clock; everything
// else advances a fake clock from lib/clock. [RequireErrorIs] checks an
// error against several targets at once, since session errors wrap both
// a kind and a cause.
//
// Helpers call Fatalf on failure rather than returning errors.
package testutil
