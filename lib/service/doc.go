// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs the mockmarket HTTP API.
//
// [HTTPServer] binds early, so a caller that asked for port 0 learns
// the real port from [HTTPServer.Addr] once [HTTPServer.Ready] is
// closed. It serves until its context ends, then drains in-flight
// requests for a bounded time and closes whatever is left. Handler
// panics become 500 responses.
package service
