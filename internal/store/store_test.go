// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/apothecarylabs/medisync/internal/models"
	"github.com/apothecarylabs/medisync/internal/record"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := Open(Options{Path: t.TempDir(), SyncWrites: false})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

func testReminder(scope, id string, status record.Status) record.Persisted[models.Reminder] {
	return record.Persisted[models.Reminder]{
		ID:         id,
		OwnerScope: scope,
		Payload: models.Reminder{
			Medication: "ibuprofen",
			At:         time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
			Enabled:    true,
		},
		SyncStatus: status,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func TestStore_UpsertGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")
	ctx := context.Background()

	rec := testReminder("user-1", "r1", record.StatusPending)
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, "user-1", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.ID)
	require.Equal(t, record.StatusPending, got.SyncStatus)
	require.Equal(t, "ibuprofen", got.Payload.Medication)

	// Upsert replaces in place.
	rec.Version = 2
	rec.SyncStatus = record.StatusSynced
	require.NoError(t, s.Upsert(ctx, rec))

	got, err = s.Get(ctx, "user-1", "r1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, record.StatusSynced, got.SyncStatus)
}

func TestStore_GetNotFound(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")

	_, err := s.Get(context.Background(), "user-1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpsertRequiresKey(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")

	err := s.Upsert(context.Background(), record.Persisted[models.Reminder]{ID: "x"})
	require.Error(t, err)
}

func TestStore_ScopeIsolation(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testReminder("alice", "r1", record.StatusPending)))
	require.NoError(t, s.Upsert(ctx, testReminder("alice", "r2", record.StatusSynced)))
	require.NoError(t, s.Upsert(ctx, testReminder("bob", "r1", record.StatusPending)))

	all, err := s.GetAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = s.Get(ctx, "bob", "r2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_KindIsolation(t *testing.T) {
	db := openTestDB(t)
	reminders := New[models.Reminder](db, "reminder")
	bills := New[models.Bill](db, "bill")
	ctx := context.Background()

	require.NoError(t, reminders.Upsert(ctx, testReminder("u", "id-1", record.StatusPending)))

	_, err := bills.Get(ctx, "u", "id-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetByStatus(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testReminder("u", "a", record.StatusPending)))
	require.NoError(t, s.Upsert(ctx, testReminder("u", "b", record.StatusSynced)))
	require.NoError(t, s.Upsert(ctx, testReminder("u", "c", record.StatusPending)))

	pending, err := s.GetByStatus(ctx, "u", record.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	failed, err := s.GetByStatus(ctx, "u", record.StatusFailed)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestStore_Delete(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testReminder("u", "a", record.StatusPending)))
	require.NoError(t, s.Delete(ctx, "u", "a"))

	_, err := s.Get(ctx, "u", "a")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete(ctx, "u", "a"))
}

func TestStore_ResetSyncing(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testReminder("u", "a", record.StatusSyncing)))
	require.NoError(t, s.Upsert(ctx, testReminder("u", "b", record.StatusSynced)))
	require.NoError(t, s.Upsert(ctx, testReminder("other", "c", record.StatusSyncing)))

	reset, err := s.ResetSyncing(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, reset)

	got, err := s.Get(ctx, "u", "a")
	require.NoError(t, err)
	require.Equal(t, record.StatusPending, got.SyncStatus)

	got, err = s.Get(ctx, "u", "b")
	require.NoError(t, err)
	require.Equal(t, record.StatusSynced, got.SyncStatus)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(Options{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	s := New[models.Reminder](db, "reminder")
	require.NoError(t, s.Upsert(ctx, testReminder("u", "a", record.StatusPending)))
	require.NoError(t, db.Close())

	db, err = Open(Options{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	s = New[models.Reminder](db, "reminder")
	got, err := s.Get(ctx, "u", "a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
}

func TestStore_ConcurrentUpsertsAreAtomic(t *testing.T) {
	db := openTestDB(t)
	s := New[models.Reminder](db, "reminder")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testReminder("u", "a", record.StatusPending)))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(2); i < 50; i++ {
			rec := testReminder("u", "a", record.StatusPending)
			rec.Version = i
			if err := s.Upsert(ctx, rec); err != nil && !errors.Is(err, badger.ErrConflict) {
				t.Errorf("upsert: %v", err)
			}
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := s.Get(ctx, "u", "a")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			// A read must always observe a complete record.
			if got.ID != "a" || got.Payload.Medication != "ibuprofen" {
				t.Errorf("observed torn record: %+v", got)
				return
			}
		}
	}()

	wg.Wait()
}
