// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the session
// store and its reaper.
//
// Session ages drive reclamation, so every timestamp the store records
// (creation, last access) and every sweep tick comes from a Clock rather
// than the time package. Production wiring passes Real(); tests pass a
// FakeClock and move time explicitly:
//
//	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager, _ := sessionstore.Open(sessionstore.Config{Clock: fakeClock, ...})
//	fakeClock.Advance(25 * time.Hour)
//	deleted, _ := manager.ReclaimIdle(ctx, 24*time.Hour)
//
// Goroutines that block on a FakeClock ticker register a waiter; call
// WaitForTimers before Advance so the tick is not lost to a race.
package clock
