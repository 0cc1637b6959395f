// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration for mockmarket
// API responses.
//
// The service speaks JSON by default. Clients that send
// "Accept: application/cbor" get the same documents in CBOR, encoded
// through this package so every response type encodes identically. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes. Timestamps are RFC 3339
// text strings, as in JSON.
//
// For buffer-oriented operations:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations:
//
//	encoder := codec.NewEncoder(writer)
//	decoder := codec.NewDecoder(reader)
//
// # Struct Tag Rules
//
// Response types carry `json` tags only. fxamacker/cbor v2 reads `json`
// tags as fallback when `cbor` tags are absent, so a single `json` tag
// controls field naming and omitempty for both formats. Never use both
// `cbor` and `json` tags on the same field.
package codec
