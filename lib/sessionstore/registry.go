// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateProvisioning: the store is being created and seeded.
	StateProvisioning State = iota
	// StateActive: the store is usable.
	StateActive
	// StateResetting: a replacement store is being built.
	StateResetting
	// StateDeleted: the store has been removed. Terminal.
	StateDeleted
)

// String returns the state name.
func (state State) String() string {
	switch state {
	case StateProvisioning:
		return "provisioning"
	case StateActive:
		return "active"
	case StateResetting:
		return "resetting"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Metadata describes a resident session.
type Metadata struct {
	ID             string
	Location       string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	State          State
}

type registryEntry struct {
	handle   *Handle
	metadata Metadata
}

// Registry is the in-memory cache of live session handles. It never
// touches disk: an empty Registry after a restart does not mean the
// sessions are gone, only that none are resident.
//
// Every method holds the registry mutex for its full duration and
// nothing else, so callers can use it while holding a per-session lock
// without risking lock-order inversions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	closed  bool

	// generate produces candidate ids. Tests replace it to force
	// collisions.
	generate func() (string, error)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*registryEntry),
		generate: newID,
	}
}

// GenerateID returns a fresh session identifier. Uniqueness against
// existing stores is the caller's concern; see Manager.Create.
func (r *Registry) GenerateID() (string, error) {
	return r.generate()
}

// Get returns the resident handle for id and a copy of its metadata.
func (r *Registry) Get(id string) (*Handle, Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, Metadata{}, false
	}
	return entry.handle, entry.metadata, true
}

// Put registers handle under id, replacing any previous entry. The
// caller is responsible for having closed a replaced handle. Returns
// ErrClosed once the owning Manager has shut down; the caller then
// still owns handle.
func (r *Registry) Put(id string, handle *Handle, metadata Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	metadata.ID = id
	r.entries[id] = &registryEntry{handle: handle, metadata: metadata}
	return nil
}

// Remove drops the entry for id and returns its handle so the caller
// can close it.
func (r *Registry) Remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return entry.handle, true
}

// Touch sets LastAccessedAt for id. Returns false if id is not resident.
func (r *Registry) Touch(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return false
	}
	entry.metadata.LastAccessedAt = now
	return true
}

// List returns metadata for every resident session, ordered by id.
func (r *Registry) List() []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Metadata, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry.metadata)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// closeAll removes and returns every entry and refuses further Puts.
func (r *Registry) closeAll() map[string]*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	handles := make(map[string]*Handle, len(r.entries))
	for id, entry := range r.entries {
		handles[id] = entry.handle
	}
	r.entries = make(map[string]*registryEntry)
	return handles
}
