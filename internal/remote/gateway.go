// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package remote defines the gateway to the authoritative remote store and
// the failure taxonomy the sync engine branches on. All gateway operations
// are idempotent: the engine may replay any of them after an ambiguous
// failure (e.g. a timeout after the write actually succeeded).
package remote

import (
	"context"

	"github.com/apothecarylabs/medisync/internal/record"
)

// Gateway is the authoritative remote store for one entity kind.
//
// idempotencyKey identifies the logical mutation; delivering the same key
// twice must produce the same final remote state as delivering it once.
// Implementations return *Error values so callers can classify failures.
type Gateway[T any] interface {
	// Create stores a new record remotely.
	Create(ctx context.Context, idempotencyKey string, rec record.Persisted[T]) error

	// Update overwrites an existing record remotely.
	// A KindNotFound error means the record no longer exists upstream.
	Update(ctx context.Context, idempotencyKey string, rec record.Persisted[T]) error

	// Delete removes a record remotely. Deleting an absent record returns
	// KindNotFound, which callers treat as already applied.
	Delete(ctx context.Context, idempotencyKey, ownerScope, id string) error

	// Get fetches the current remote record, or KindNotFound.
	Get(ctx context.Context, ownerScope, id string) (record.Persisted[T], error)
}
