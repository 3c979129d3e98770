// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tomtom215/logmirror/internal/logging"
)

// FileStore keeps the state in a single JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store for path. Nothing is touched until Load or Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the state file. A missing or undecodable file yields a fresh state.
func (f *FileStore) Load(_ context.Context) (*SyncState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Info().Str("path", f.path).Msg("No sync state found, starting fresh")
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state %s: %w", f.path, err)
	}

	s, err := Decode(data)
	if err != nil {
		logging.Warn().Err(err).Str("path", f.path).Msg("Discarding unreadable sync state, starting fresh")
		return New(), nil
	}
	return s, nil
}

// Save writes the state to a temp file in the same directory, syncs it and
// renames it over the previous file.
func (f *FileStore) Save(_ context.Context, s *SyncState) error {
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create sync state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp sync state: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write sync state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sync state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace sync state: %w", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Close is a no-op.
func (f *FileStore) Close() error {
	return nil
}
