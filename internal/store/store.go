// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package store provides the durable local mirror of domain records on
// BadgerDB. Records survive process restarts; upserts are atomic badger
// transactions, so a concurrent read never observes a half-written record.
//
// One badger database is shared by all entity kinds and by the sync queue;
// each component owns a key prefix. The store's prefix layout:
//
//	record:<kind>:<ownerScope>/<id> -> JSON record.Persisted[T]
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/apothecarylabs/medisync/internal/record"
)

// ErrNotFound is returned when no record exists for (ownerScope, id).
var ErrNotFound = errors.New("record not found")

// Options configures the shared badger database.
type Options struct {
	// Path is the directory for badger files. Must be durable storage.
	Path string

	// SyncWrites forces fsync after every write. Default true: local writes
	// are the source of truth while offline.
	SyncWrites bool

	// InMemory runs badger without files. Tests only.
	InMemory bool
}

// Open opens (or creates) the shared badger database.
func Open(opts Options) (*badger.DB, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Path)
		bopts.SyncWrites = opts.SyncWrites
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// Close shuts the shared database down with a bounded timeout so a stuck
// compaction cannot hang process exit.
func Close(db *badger.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() {
		done <- db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close badger: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badger close timeout after %v", timeout)
	}
}

// Store is the durable mirror for one entity kind.
type Store[T any] struct {
	db   *badger.DB
	kind string
}

// New creates a store for the given entity kind over the shared database.
func New[T any](db *badger.DB, kind string) *Store[T] {
	return &Store[T]{db: db, kind: kind}
}

// Kind returns the entity kind this store mirrors.
func (s *Store[T]) Kind() string {
	return s.kind
}

func (s *Store[T]) key(ownerScope, id string) []byte {
	return []byte("record:" + s.kind + ":" + record.Key(ownerScope, id))
}

func (s *Store[T]) scopePrefix(ownerScope string) []byte {
	return []byte("record:" + s.kind + ":" + ownerScope + "/")
}

func (s *Store[T]) kindPrefix() []byte {
	return []byte("record:" + s.kind + ":")
}

// Upsert writes the record, replacing any existing value for its
// (ownerScope, id). The whole record is written in one transaction.
func (s *Store[T]) Upsert(ctx context.Context, rec record.Persisted[T]) error {
	if rec.ID == "" || rec.OwnerScope == "" {
		return errors.New("record requires id and owner scope")
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(rec.OwnerScope, rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", s.kind, rec.ID, err)
	}
	return nil
}

// Get returns the record for (ownerScope, id) or ErrNotFound.
func (s *Store[T]) Get(ctx context.Context, ownerScope, id string) (record.Persisted[T], error) {
	var rec record.Persisted[T]

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(ownerScope, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return record.Persisted[T]{}, err
	}
	return rec, nil
}

// GetAll returns every record in the owner scope, in key order.
func (s *Store[T]) GetAll(ctx context.Context, ownerScope string) ([]record.Persisted[T], error) {
	return s.scan(ctx, s.scopePrefix(ownerScope), nil)
}

// GetByStatus returns the scope's records currently in the given status.
func (s *Store[T]) GetByStatus(ctx context.Context, ownerScope string, status record.Status) ([]record.Persisted[T], error) {
	return s.scan(ctx, s.scopePrefix(ownerScope), func(rec *record.Persisted[T]) bool {
		return rec.SyncStatus == status
	})
}

// AllByStatus returns every record of the kind in the given status, across
// all owner scopes. Used by startup recovery.
func (s *Store[T]) AllByStatus(ctx context.Context, status record.Status) ([]record.Persisted[T], error) {
	return s.scan(ctx, s.kindPrefix(), func(rec *record.Persisted[T]) bool {
		return rec.SyncStatus == status
	})
}

// Delete removes the record. Deleting an absent record is a no-op.
func (s *Store[T]) Delete(ctx context.Context, ownerScope, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(ownerScope, id))
	})
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", s.kind, id, err)
	}
	return nil
}

// ResetSyncing flips every record stuck in syncing back to pending, across
// all owner scopes. Called once on startup: a record can only be syncing
// while a drain attempt is in flight, so after a restart that state is a
// leftover from a crash mid-drain.
func (s *Store[T]) ResetSyncing(ctx context.Context) (int, error) {
	reset := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.kindPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			var rec record.Persisted[T]
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", item.Key(), err)
			}

			if rec.SyncStatus != record.StatusSyncing {
				continue
			}

			rec.SyncStatus = record.StatusPending
			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if err := txn.Set(item.KeyCopy(nil), data); err != nil {
				return fmt.Errorf("reset record: %w", err)
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// scan iterates a key prefix and collects records passing the filter.
// Badger's View gives snapshot isolation, so results are consistent even
// under concurrent upserts.
func (s *Store[T]) scan(ctx context.Context, prefix []byte, keep func(*record.Persisted[T]) bool) ([]record.Persisted[T], error) {
	var out []record.Persisted[T]

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec record.Persisted[T]
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", it.Item().Key(), err)
			}

			if keep == nil || keep(&rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s records: %w", s.kind, err)
	}
	return out, nil
}
