// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package record defines the persisted record envelope shared by the entity
// store, the sync queue and the sync engine. Domain payloads are strongly
// typed; serialization to JSON happens only at the storage boundary.
package record

import (
	"fmt"
	"time"
)

// Status is the synchronization state of a persisted record.
type Status string

// Record lifecycle: a record is created pending, marked syncing only while a
// drain attempt is in flight, and ends up synced or failed. Failed records
// re-enter pending only through an explicit manual retry.
const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// OpType is the kind of mutation a queued operation carries.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Valid reports whether o is one of the known operation types.
func (o OpType) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Persisted is the durable envelope around a domain payload T.
//
// Invariants:
//   - (OwnerScope, ID) is unique within an entity kind.
//   - Version never decreases; it is incremented on every local mutation.
//   - FirstSyncedAt is nil until the first successful remote acknowledgment,
//     after which it is never cleared or overwritten.
type Persisted[T any] struct {
	ID         string `json:"id"`
	OwnerScope string `json:"owner_scope"`
	Payload    T      `json:"payload"`

	SyncStatus Status `json:"sync_status"`
	Version    int64  `json:"version"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FirstSyncedAt *time.Time `json:"first_synced_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Key returns the composite storage key for the record.
func (p *Persisted[T]) Key() string {
	return Key(p.OwnerScope, p.ID)
}

// Key builds the composite (ownerScope, id) storage key.
// The separator cannot appear in scope or id values produced by the app
// (UUIDs and user ids), so the mapping is unambiguous.
func Key(ownerScope, id string) string {
	return ownerScope + "/" + id
}

// IdempotencyKey derives the idempotency key for a mutation so that a
// retried delivery of the same logical operation is recognizable remotely.
func IdempotencyKey(entityID string, op OpType) string {
	return fmt.Sprintf("%s:%s", entityID, op)
}
