// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package queue provides the durable, ordered log of pending mutations.
// Operations are persisted to BadgerDB before ApplyLocalWrite returns, so
// queued work survives process restarts and is replayed idempotently.
//
// Key layout (shared database, per-kind prefix):
//
//	queue:<kind>:active:<ownerScope>/<entityID> -> JSON Operation
//	queue:<kind>:failed:<idempotencyKey>        -> JSON Operation
//
// Keying active operations by entity enforces the core invariant directly
// in the storage layout: at most one active operation per entity. A second
// mutation for the same entity coalesces into the existing entry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/apothecarylabs/medisync/internal/metrics"
	"github.com/apothecarylabs/medisync/internal/record"
)

// OpStatus is the queue-side status of an operation.
type OpStatus string

const (
	// OpActive operations are eligible for draining.
	OpActive OpStatus = "active"

	// OpPermanentlyFailed operations exhausted their retry budget or were
	// rejected by the remote. They are excluded from drains but retained
	// for diagnostics and manual retry.
	OpPermanentlyFailed OpStatus = "permanently-failed"
)

// Operation is one queued mutation.
type Operation struct {
	// IdempotencyKey identifies the logical mutation (entity id + op type).
	// Regenerated when a coalesce changes the operation type.
	IdempotencyKey string `json:"idempotency_key"`

	OpType     record.OpType `json:"op_type"`
	OwnerScope string        `json:"owner_scope"`
	EntityID   string        `json:"entity_id"`

	// Payload is the serialized record at the time of the latest local
	// write. Empty for deletes.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt orders operations across entities (FIFO). A coalesce
	// preserves the original enqueue time.
	CreatedAt time.Time `json:"created_at"`

	// Seq increments on every coalesce. Ack compares it so an operation
	// that absorbed a newer write mid-flight is not removed prematurely.
	Seq int64 `json:"seq"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Status        OpStatus   `json:"status"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// UnmarshalPayload deserializes the payload into v.
func (o *Operation) UnmarshalPayload(v any) error {
	return json.Unmarshal(o.Payload, v)
}

// Config holds the retry policy for a queue.
type Config struct {
	// MaxRetries is how many failed attempts an operation may accumulate
	// before becoming permanently failed.
	// Default: 5
	MaxRetries int

	// BaseDelay is the initial backoff after the first failure.
	// Default: 5s
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	// Default: 5m
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Active int       `json:"active"`
	Failed int       `json:"failed"`
	Oldest time.Time `json:"oldest,omitempty"`
}

// ErrOperationNotFound is returned when no operation exists for the key.
var ErrOperationNotFound = errors.New("queued operation not found")

// Queue is the durable sync queue for one entity kind.
type Queue struct {
	db   *badger.DB
	kind string
	cfg  Config

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a queue for the given entity kind over the shared database.
func New(db *badger.DB, kind string, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	return &Queue{db: db, kind: kind, cfg: cfg, now: time.Now}
}

// Kind returns the entity kind this queue serves.
func (q *Queue) Kind() string {
	return q.kind
}

func (q *Queue) activeKey(ownerScope, entityID string) []byte {
	return []byte("queue:" + q.kind + ":active:" + record.Key(ownerScope, entityID))
}

func (q *Queue) failedKey(idempotencyKey string) []byte {
	return []byte("queue:" + q.kind + ":failed:" + idempotencyKey)
}

func (q *Queue) activePrefix() []byte {
	return []byte("queue:" + q.kind + ":active:")
}

func (q *Queue) failedPrefix() []byte {
	return []byte("queue:" + q.kind + ":failed:")
}

// Enqueue records a mutation. If an active operation already exists for the
// entity, the new payload and op type replace the old ones in place
// (last-write-wins while pending); CreatedAt is preserved so ordering
// relative to other entities is unaffected. Otherwise a fresh operation is
// appended with retry counters at zero.
func (q *Queue) Enqueue(ctx context.Context, ownerScope, entityID string, opType record.OpType, payload json.RawMessage) (Operation, error) {
	if !opType.Valid() {
		return Operation{}, fmt.Errorf("invalid op type %q", opType)
	}

	var op Operation
	key := q.activeKey(ownerScope, entityID)

	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			op = Operation{
				IdempotencyKey: record.IdempotencyKey(entityID, opType),
				OpType:         opType,
				OwnerScope:     ownerScope,
				EntityID:       entityID,
				Payload:        payload,
				CreatedAt:      q.now().UTC(),
				Seq:            1,
				MaxRetries:     q.cfg.MaxRetries,
				Status:         OpActive,
			}
		case err != nil:
			return fmt.Errorf("get active operation: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("unmarshal operation: %w", err)
			}
			// Coalesce: replace the mutation, keep the queue position.
			op.OpType = opType
			op.Payload = payload
			op.IdempotencyKey = record.IdempotencyKey(entityID, opType)
			op.Seq++
			metrics.QueueCoalesced.WithLabelValues(q.kind).Inc()
		}

		data, err := json.Marshal(&op)
		if err != nil {
			return fmt.Errorf("marshal operation: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return Operation{}, fmt.Errorf("enqueue %s %s: %w", q.kind, entityID, err)
	}
	return op, nil
}

// Active returns the entity's active operation, or ErrOperationNotFound
// when nothing is queued for it. The read path consults this before remote
// resolution: while a mutation is queued, local state is authoritative.
func (q *Queue) Active(ctx context.Context, ownerScope, entityID string) (Operation, error) {
	var op Operation

	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(q.activeKey(ownerScope, entityID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrOperationNotFound
		}
		if err != nil {
			return fmt.Errorf("get active operation: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		})
	})
	if err != nil {
		return Operation{}, err
	}
	return op, nil
}

// NextBatch returns up to limit active operations whose backoff window has
// elapsed, ordered by CreatedAt ascending (FIFO across entities).
func (q *Queue) NextBatch(ctx context.Context, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}

	now := q.now()
	var ops []Operation

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := q.activePrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var op Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("unmarshal operation %s: %w", it.Item().Key(), err)
			}

			if op.NextAttemptAt != nil && now.Before(*op.NextAttemptAt) {
				continue
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan active operations: %w", err)
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	if len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

// Ack removes a successfully synced operation. If the stored operation has
// coalesced a newer write since op was read (Seq advanced), it is left in
// place so the newer payload is drained on the next pass.
func (q *Queue) Ack(ctx context.Context, op Operation) error {
	key := q.activeKey(op.OwnerScope, op.EntityID)

	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // already removed
		}
		if err != nil {
			return fmt.Errorf("get active operation: %w", err)
		}

		var stored Operation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return fmt.Errorf("unmarshal operation: %w", err)
		}

		if stored.Seq != op.Seq {
			// A newer local write landed mid-flight. Clear its backoff so
			// the next drain pass picks it up immediately.
			stored.RetryCount = 0
			stored.NextAttemptAt = nil
			stored.LastError = ""
			data, err := json.Marshal(&stored)
			if err != nil {
				return fmt.Errorf("marshal operation: %w", err)
			}
			return txn.Set(key, data)
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("ack %s %s: %w", q.kind, op.EntityID, err)
	}
	return nil
}

// Fail records a failed attempt. The retry counter is incremented and the
// next eligible attempt is scheduled at min(baseDelay * 2^retryCount,
// maxDelay). Once the counter exceeds MaxRetries the operation moves to the
// failed prefix: excluded from NextBatch but retained for diagnostics.
// The returned operation reflects the new state; its Status tells the
// caller whether retries remain.
func (q *Queue) Fail(ctx context.Context, op Operation, cause string) (Operation, error) {
	return q.fail(ctx, op, cause, false)
}

// FailPermanent immediately moves an operation to permanently failed
// without consuming retry budget. Used when the remote rejected the payload
// as invalid: retrying an unchanged payload cannot succeed.
func (q *Queue) FailPermanent(ctx context.Context, op Operation, cause string) (Operation, error) {
	return q.fail(ctx, op, cause, true)
}

func (q *Queue) fail(ctx context.Context, op Operation, cause string, permanent bool) (Operation, error) {
	key := q.activeKey(op.OwnerScope, op.EntityID)
	now := q.now().UTC()
	var out Operation

	err := q.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrOperationNotFound
		}
		if err != nil {
			return fmt.Errorf("get active operation: %w", err)
		}

		var stored Operation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return fmt.Errorf("unmarshal operation: %w", err)
		}

		stored.LastAttemptAt = &now
		stored.LastError = cause

		if !permanent {
			stored.RetryCount++
		}

		if permanent || stored.RetryCount > stored.MaxRetries {
			stored.Status = OpPermanentlyFailed
			stored.NextAttemptAt = nil
			data, err := json.Marshal(&stored)
			if err != nil {
				return fmt.Errorf("marshal operation: %w", err)
			}
			if err := txn.Set(q.failedKey(stored.IdempotencyKey), data); err != nil {
				return fmt.Errorf("set failed operation: %w", err)
			}
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete active operation: %w", err)
			}
			out = stored
			return nil
		}

		next := now.Add(q.backoff(stored.RetryCount))
		stored.NextAttemptAt = &next
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal operation: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set operation: %w", err)
		}
		out = stored
		return nil
	})
	if err != nil {
		return Operation{}, fmt.Errorf("fail %s %s: %w", q.kind, op.EntityID, err)
	}
	return out, nil
}

// RetryFailed re-activates a permanently failed operation for the entity:
// retry counters reset, status back to active. This is the manual exit from
// the failed state.
func (q *Queue) RetryFailed(ctx context.Context, ownerScope, entityID string) (Operation, error) {
	var out Operation

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := q.failedPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var op Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("unmarshal operation: %w", err)
			}
			if op.OwnerScope != ownerScope || op.EntityID != entityID {
				continue
			}

			op.Status = OpActive
			op.RetryCount = 0
			op.NextAttemptAt = nil
			op.LastError = ""
			data, err := json.Marshal(&op)
			if err != nil {
				return fmt.Errorf("marshal operation: %w", err)
			}
			if err := txn.Set(q.activeKey(op.OwnerScope, op.EntityID), data); err != nil {
				return fmt.Errorf("set active operation: %w", err)
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return fmt.Errorf("delete failed operation: %w", err)
			}
			out = op
			return nil
		}
		return ErrOperationNotFound
	})
	if err != nil {
		return Operation{}, err
	}
	return out, nil
}

// FailedOps lists permanently failed operations for diagnostics.
func (q *Queue) FailedOps(ctx context.Context) ([]Operation, error) {
	var ops []Operation

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := q.failedPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var op Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return fmt.Errorf("unmarshal operation: %w", err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed operations: %w", err)
	}

	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops, nil
}

// Stats counts active and failed operations and updates the queue gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		activePrefix := q.activePrefix()
		for it.Seek(activePrefix); it.ValidForPrefix(activePrefix); it.Next() {
			var op Operation
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				continue
			}
			stats.Active++
			if stats.Oldest.IsZero() || op.CreatedAt.Before(stats.Oldest) {
				stats.Oldest = op.CreatedAt
			}
		}

		failedPrefix := q.failedPrefix()
		for it.Seek(failedPrefix); it.ValidForPrefix(failedPrefix); it.Next() {
			stats.Failed++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("count operations: %w", err)
	}

	metrics.QueueDepth.WithLabelValues(q.kind).Set(float64(stats.Active))
	metrics.QueueFailed.WithLabelValues(q.kind).Set(float64(stats.Failed))
	return stats, nil
}

// backoff computes min(baseDelay * 2^retryCount, maxDelay).
func (q *Queue) backoff(retryCount int) time.Duration {
	// 2^50 overflows any sane base long before this cap matters.
	if retryCount > 50 {
		return q.cfg.MaxDelay
	}
	d := time.Duration(float64(q.cfg.BaseDelay) * math.Pow(2, float64(retryCount)))
	if d < 0 || d > q.cfg.MaxDelay {
		return q.cfg.MaxDelay
	}
	return d
}
