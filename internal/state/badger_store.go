// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/logmirror/internal/logging"
)

var stateKey = []byte("logmirror:sync_state")

// BadgerStore keeps the state document under a single key of an embedded
// BadgerDB. Every Save is one transaction.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the BadgerDB directory at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger sync state %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreFromDB wraps an already open database.
func NewBadgerStoreFromDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Load reads the state document. A missing or undecodable document yields a
// fresh state.
func (b *BadgerStore) Load(_ context.Context) (*SyncState, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}

	s, err := Decode(data)
	if err != nil {
		logging.Warn().Err(err).Msg("Discarding unreadable sync state, starting fresh")
		return New(), nil
	}
	return s, nil
}

// Save replaces the state document.
func (b *BadgerStore) Save(_ context.Context, s *SyncState) error {
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, data)
	}); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// Open returns the store selected by backend ("file" or "badger").
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "badger":
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown sync state backend %q", backend)
	}
}
