// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by a Manager operation is an *Error
// whose Kind is one of these, so callers classify with errors.Is.
var (
	// ErrNotFound: the session has no physical store.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidID: the identifier is not a well-formed session id.
	// Rejected before any filesystem access.
	ErrInvalidID = errors.New("invalid session id")

	// ErrProvisioning: creating or opening the physical store, or
	// applying its schema, failed. Partial files have been removed.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrSeed: the baseline loader failed. Fatal to the create or
	// reset that invoked it.
	ErrSeed = errors.New("baseline seed failed")

	// ErrReset: resetting a store failed. The previous content is
	// still in place.
	ErrReset = errors.New("reset failed")

	// ErrDelete: removing a store failed.
	ErrDelete = errors.New("delete failed")

	// ErrSnapshot: exporting a store image failed.
	ErrSnapshot = errors.New("snapshot failed")

	// ErrClosed: the Manager has been closed.
	ErrClosed = errors.New("session manager closed")

	// ErrDirectoryInUse: another Manager owns the sessions directory.
	// Returned by Open only.
	ErrDirectoryInUse = errors.New("sessions directory in use by another process")
)

// Error describes a failed operation on one session. Unwrap exposes
// both Kind and the underlying cause, so errors.Is matches either
// (for example ErrReset and context.DeadlineExceeded).
type Error struct {
	// Op is the operation name: "create", "resolve", "reset",
	// "delete", "snapshot", "info".
	Op string

	// SessionID is the session the operation targeted. Empty when the
	// failure happened before an id existed.
	SessionID string

	// Kind is one of the Err* sentinels above.
	Kind error

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString("sessionstore: ")
	builder.WriteString(e.Op)
	if e.SessionID != "" {
		builder.WriteString(" ")
		builder.WriteString(e.SessionID)
	}
	builder.WriteString(": ")
	builder.WriteString(e.Kind.Error())
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, sessionID string, kind, cause error) *Error {
	return &Error{Op: op, SessionID: sessionID, Kind: kind, Err: cause}
}

// Retryable reports whether err is a transient reset or delete failure
// that a client may retry. Missing or malformed sessions are never
// retryable.
func Retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidID) || errors.Is(err, ErrClosed) {
		return false
	}
	return errors.Is(err, ErrReset) || errors.Is(err, ErrDelete)
}
