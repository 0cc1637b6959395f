// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDPrefix starts every session identifier.
const IDPrefix = "session_"

// idHexLength is the number of lowercase hex characters after IDPrefix:
// the 16 bytes of a random UUID.
const idHexLength = 32

// newID returns a fresh session identifier built from a version 4 UUID.
// The result contains only [a-z0-9_], so it is safe as a file name on
// every platform.
func newID() (string, error) {
	random, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return IDPrefix + hex.EncodeToString(random[:]), nil
}

// ValidID reports whether id has the shape produced by GenerateID.
// Client-supplied identifiers are checked with ValidID before they are
// turned into file paths.
func ValidID(id string) bool {
	suffix, ok := strings.CutPrefix(id, IDPrefix)
	if !ok || len(suffix) != idHexLength {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		character := suffix[i]
		if (character < '0' || character > '9') && (character < 'a' || character > 'f') {
			return false
		}
	}
	return true
}
