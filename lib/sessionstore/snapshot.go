// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessionstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Compression selects the stream encoding of a snapshot.
type Compression int

const (
	// CompressionZstd is the default: good ratio, moderate speed.
	CompressionZstd Compression = iota
	// CompressionLZ4 trades ratio for speed.
	CompressionLZ4
	// CompressionNone writes the raw SQLite image.
	CompressionNone
)

// String returns the name accepted by ParseCompression.
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionNone:
		return "none"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// ParseCompression parses "zstd", "lz4" or "none". The empty string
// selects zstd.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("sessionstore: unknown compression %q", name)
	}
}

// Snapshot writes a consistent, compacted image of the session's store
// to w. The session must exist; a store without a resident handle is
// rehydrated. The image is a plain SQLite database once decompressed.
func (m *Manager) Snapshot(ctx context.Context, id string, w io.Writer, compression Compression) error {
	const op = "snapshot"
	if !ValidID(id) {
		return newError(op, id, ErrInvalidID, nil)
	}
	if m.closed.Load() {
		return newError(op, id, ErrClosed, nil)
	}

	image, err := m.exportImage(ctx, id)
	if err != nil {
		return err
	}
	defer os.Remove(image)

	if err := writeCompressed(w, image, compression); err != nil {
		return newError(op, id, ErrSnapshot, err)
	}
	m.logger.Debug("session snapshot written", "session_id", id, "compression", compression)
	return nil
}

// exportImage copies the store into a temporary file with VACUUM INTO
// while holding the session lock, and returns the file's path.
func (m *Manager) exportImage(ctx context.Context, id string) (string, error) {
	const op = "snapshot"
	lock, err := m.locks.acquire(ctx, id)
	if err != nil {
		return "", newError(op, id, ErrSnapshot, err)
	}
	defer lock.release()

	handle, err := m.resolveLocked(ctx, op, id, false, lock)
	if err != nil {
		return "", err
	}

	image := filepath.Join(m.provisioner.dir, snapshotPrefix+id+"-"+rand.Text())
	conn, err := handle.Take(ctx)
	if err != nil {
		return "", newError(op, id, ErrSnapshot, err)
	}
	defer handle.Put(conn)

	if err := sqlitex.Execute(conn, "VACUUM INTO ?", &sqlitex.ExecOptions{Args: []any{image}}); err != nil {
		os.Remove(image)
		return "", newError(op, id, ErrSnapshot, fmt.Errorf("exporting store: %w", err))
	}
	return image, nil
}

func writeCompressed(w io.Writer, path string, compression Compression) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	switch compression {
	case CompressionNone:
		_, err := io.Copy(w, file)
		return err

	case CompressionLZ4:
		encoder := lz4.NewWriter(w)
		if _, err := io.Copy(encoder, file); err != nil {
			encoder.Close()
			return fmt.Errorf("lz4 encoding: %w", err)
		}
		return encoder.Close()

	case CompressionZstd:
		encoder, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := io.Copy(encoder, file); err != nil {
			encoder.Close()
			return fmt.Errorf("zstd encoding: %w", err)
		}
		return encoder.Close()

	default:
		return fmt.Errorf("unknown compression %v", compression)
	}
}
