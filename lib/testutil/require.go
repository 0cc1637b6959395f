// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Fataler is the part of testing.TB the helpers need. Tests pass their
// *testing.T; the helpers' own tests pass a recorder.
type Fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// pollInterval is how often RequireEventually re-checks its condition.
const pollInterval = 5 * time.Millisecond

// RequireReceive reads one value from ch within timeout, or fails the
// test. A closed channel is a failure too.
//
//	result := testutil.RequireReceive(t, sweeps, 5*time.Second, "sweep after tick")
func RequireReceive[T any](t Fataler, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return value
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireNoReceive fails if ch delivers a value within window. Use it to
// check that a waiter is still blocked, for example on a session lock.
//
//	testutil.RequireNoReceive(t, acquired, 20*time.Millisecond, "second acquire while held")
func RequireNoReceive[T any](t Fataler, ch <-chan T, window time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while expected to block: %s", formatMessage(msgAndArgs))
		}
		t.Fatalf("received %v while expected to block: %s", value, formatMessage(msgAndArgs))
	case <-time.After(window): //nolint:realclock negative check
	}
}

// RequireEventually polls condition until it returns true or timeout
// passes. For state that settles in a background goroutine, such as a
// lock released after an abandoned operation finished.
func RequireEventually(t Fataler, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout) //nolint:realclock test hang prevention
	for !condition() {
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("condition not met after %v: %s", timeout, formatMessage(msgAndArgs))
		}
		time.Sleep(pollInterval) //nolint:realclock polling
	}
}

// RequireErrorIs fails unless errors.Is(err, target) holds for every
// target. Session errors carry both a kind and a cause, so tests usually
// check more than one.
//
//	testutil.RequireErrorIs(t, err, sessionstore.ErrReset, context.DeadlineExceeded)
func RequireErrorIs(t Fataler, err error, targets ...error) {
	t.Helper()
	var missing []string
	for _, target := range targets {
		if !errors.Is(err, target) {
			missing = append(missing, fmt.Sprintf("%v", target))
		}
	}
	if len(missing) > 0 {
		t.Fatalf("error %v does not match [%s]", err, strings.Join(missing, ", "))
	}
}

// formatMessage accepts either a single value or a format string
// followed by its arguments.
func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return "(no message)"
	}
	if len(msgAndArgs) == 1 {
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
