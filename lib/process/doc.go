// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for mockmarket
// binaries. Fatal covers the one legitimate raw write to stderr: an
// error from run() in main(), where the structured logger may not have
// been initialized yet.
package process
