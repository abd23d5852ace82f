// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package engine coordinates the per-kind synchronization pipeline: local
// writes land in the durable store and the sync queue, reads fall through
// cache -> store -> remote, and Drain replays queued mutations against the
// remote gateway when connectivity allows.
//
// The contract with callers: ApplyLocalWrite and Delete never touch the
// network and succeed while offline; Drain is the only component that talks
// to the gateway for mutations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/apothecarylabs/medisync/internal/cache"
	"github.com/apothecarylabs/medisync/internal/connectivity"
	"github.com/apothecarylabs/medisync/internal/logging"
	"github.com/apothecarylabs/medisync/internal/metrics"
	"github.com/apothecarylabs/medisync/internal/queue"
	"github.com/apothecarylabs/medisync/internal/record"
	"github.com/apothecarylabs/medisync/internal/remote"
	"github.com/apothecarylabs/medisync/internal/store"
)

// ErrNotFound is returned by Read when the record exists nowhere reachable.
var ErrNotFound = store.ErrNotFound

// Drain triggers, used as the metrics label.
const (
	TriggerConnectivity = "connectivity"
	TriggerTimer        = "timer"
	TriggerWrite        = "write"
	TriggerManual       = "manual"
)

// Options wires one Coordinator. All fields except DrainBatch are required.
type Options[T any] struct {
	Store   *store.Store[T]
	Queue   *queue.Queue
	Cache   *cache.Cache[record.Persisted[T]]
	Gateway remote.Gateway[T]
	Monitor connectivity.Monitor

	// DrainBatch is the maximum number of operations replayed per drain
	// pass. Default: 100
	DrainBatch int
}

// Coordinator runs the offline-first pipeline for one entity kind.
type Coordinator[T any] struct {
	kind    string
	store   *store.Store[T]
	queue   *queue.Queue
	cache   *cache.Cache[record.Persisted[T]]
	gateway remote.Gateway[T]
	monitor connectivity.Monitor

	batch int

	// draining guards against overlapping drain passes.
	draining atomic.Bool

	// claims holds per-entity in-flight markers so two drain paths can
	// never sync the same entity concurrently.
	claims sync.Map

	// reads collapses concurrent remote fetches of the same record.
	reads singleflight.Group

	// writes signals the drain service that a local mutation was queued.
	writes chan struct{}

	// evictionsSeen tracks how many cache evictions were already exported,
	// so the counter receives deltas only.
	evictionsSeen atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

// New validates the wiring and creates a coordinator.
func New[T any](opts Options[T]) (*Coordinator[T], error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("engine requires a store")
	case opts.Queue == nil:
		return nil, errors.New("engine requires a queue")
	case opts.Cache == nil:
		return nil, errors.New("engine requires a cache")
	case opts.Gateway == nil:
		return nil, errors.New("engine requires a gateway")
	case opts.Monitor == nil:
		return nil, errors.New("engine requires a connectivity monitor")
	}
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = 100
	}

	return &Coordinator[T]{
		kind:    opts.Store.Kind(),
		store:   opts.Store,
		queue:   opts.Queue,
		cache:   opts.Cache,
		gateway: opts.Gateway,
		monitor: opts.Monitor,
		batch:   opts.DrainBatch,
		writes:  make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

// Kind returns the entity kind this coordinator serves.
func (c *Coordinator[T]) Kind() string {
	return c.kind
}

// WriteSignal fires after every local mutation. The drain service listens on
// it to sync promptly while online; ApplyLocalWrite itself never blocks.
func (c *Coordinator[T]) WriteSignal() <-chan struct{} {
	return c.writes
}

// Recover must be called once on startup, before the first drain. Records
// left in syncing by a crash mid-drain go back to pending; their queued
// operations are still present and will be replayed idempotently. Pending
// records whose queued operation is missing are re-enqueued.
func (c *Coordinator[T]) Recover(ctx context.Context) error {
	n, err := c.store.ResetSyncing(ctx)
	if err != nil {
		return fmt.Errorf("recover %s: %w", c.kind, err)
	}
	if n > 0 {
		logging.Warn().Str("kind", c.kind).Int("records", n).
			Msg("Reset records stuck in syncing after restart")
	}

	repaired, err := c.reenqueueOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover %s: %w", c.kind, err)
	}
	if repaired > 0 {
		logging.Warn().Str("kind", c.kind).Int("operations", repaired).
			Msg("Re-queued pending records that had lost their queued operation")
	}
	return nil
}

// reenqueueOrphans repairs pending records with no queued operation. The
// store upsert and the enqueue are separate transactions, so a crash between
// them (or between an ack and the record's status update) leaves a pending
// record that nothing would ever sync. Records whose operation is retained
// in the permanently-failed set are left alone; those surface through
// FailedOps and the manual retry path.
func (c *Coordinator[T]) reenqueueOrphans(ctx context.Context) (int, error) {
	pending, err := c.store.AllByStatus(ctx, record.StatusPending)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	failed, err := c.queue.FailedOps(ctx)
	if err != nil {
		return 0, err
	}
	retained := make(map[string]struct{}, len(failed))
	for _, op := range failed {
		retained[record.Key(op.OwnerScope, op.EntityID)] = struct{}{}
	}

	repaired := 0
	for _, rec := range pending {
		if _, ok := retained[rec.Key()]; ok {
			continue
		}
		switch _, aerr := c.queue.Active(ctx, rec.OwnerScope, rec.ID); {
		case aerr == nil:
			continue
		case !errors.Is(aerr, queue.ErrOperationNotFound):
			return repaired, aerr
		}

		opType := record.OpUpdate
		if rec.FirstSyncedAt == nil {
			opType = record.OpCreate
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return repaired, fmt.Errorf("marshal record: %w", err)
		}
		if _, err := c.queue.Enqueue(ctx, rec.OwnerScope, rec.ID, opType, data); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// ApplyLocalWrite persists a mutation locally and queues it for sync. It
// returns the stored record immediately: durability does not wait for the
// network. An empty id creates a new record.
func (c *Coordinator[T]) ApplyLocalWrite(ctx context.Context, ownerScope, id string, payload T) (record.Persisted[T], error) {
	if ownerScope == "" {
		return record.Persisted[T]{}, errors.New("owner scope is required")
	}

	now := c.now().UTC()
	opType := record.OpCreate

	rec := record.Persisted[T]{
		ID:         id,
		OwnerScope: ownerScope,
		Payload:    payload,
		SyncStatus: record.StatusPending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if id == "" {
		rec.ID = uuid.NewString()
	} else {
		prev, err := c.store.Get(ctx, ownerScope, id)
		switch {
		case err == nil:
			opType = record.OpUpdate
			rec.Version = prev.Version + 1
			rec.CreatedAt = prev.CreatedAt
			rec.FirstSyncedAt = prev.FirstSyncedAt
		case errors.Is(err, store.ErrNotFound):
			// First write under this id: a create.
		default:
			return record.Persisted[T]{}, fmt.Errorf("apply local write: %w", err)
		}
	}

	if err := c.store.Upsert(ctx, rec); err != nil {
		return record.Persisted[T]{}, fmt.Errorf("apply local write: %w", err)
	}
	c.cache.Put(rec.Key(), rec)
	metrics.SyncTransitions.WithLabelValues(c.kind, string(record.StatusPending)).Inc()

	data, err := json.Marshal(&rec)
	if err != nil {
		return record.Persisted[T]{}, fmt.Errorf("marshal record: %w", err)
	}
	if _, err := c.queue.Enqueue(ctx, ownerScope, rec.ID, opType, data); err != nil {
		return record.Persisted[T]{}, fmt.Errorf("apply local write: %w", err)
	}

	c.notifyWrite()
	return rec, nil
}

// Delete removes the record locally and queues a remote delete. Deleting an
// absent record is a no-op locally but still queues the delete, so a remote
// copy created by an earlier sync is cleaned up.
func (c *Coordinator[T]) Delete(ctx context.Context, ownerScope, id string) error {
	if ownerScope == "" || id == "" {
		return errors.New("owner scope and id are required")
	}

	if err := c.store.Delete(ctx, ownerScope, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", c.kind, id, err)
	}
	c.cache.Remove(record.Key(ownerScope, id))

	if _, err := c.queue.Enqueue(ctx, ownerScope, id, record.OpDelete, nil); err != nil {
		return fmt.Errorf("delete %s %s: %w", c.kind, id, err)
	}

	c.notifyWrite()
	return nil
}

// ReadOption tunes a single Read call.
type ReadOption func(*readOptions)

type readOptions struct {
	allowStale bool
}

// AllowStale lets Read serve an expired cache entry (flagged stale) when the
// record is not available anywhere fresher. Degraded offline mode.
func AllowStale() ReadOption {
	return func(o *readOptions) { o.allowStale = true }
}

// Read resolves a record through cache -> store -> remote. The stale return
// is true only when an expired cache entry was served under AllowStale.
// While offline, remote resolution is skipped entirely.
func (c *Coordinator[T]) Read(ctx context.Context, ownerScope, id string, opts ...ReadOption) (rec record.Persisted[T], stale bool, err error) {
	var ro readOptions
	for _, opt := range opts {
		opt(&ro)
	}

	key := record.Key(ownerScope, id)

	if rec, ok := c.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues(c.kind).Inc()
		return rec, false, nil
	}
	metrics.CacheMisses.WithLabelValues(c.kind).Inc()

	rec, err = c.store.Get(ctx, ownerScope, id)
	if err == nil {
		c.cache.Put(key, rec)
		return rec, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return record.Persisted[T]{}, false, fmt.Errorf("read %s %s: %w", c.kind, id, err)
	}

	if c.monitor.Online() {
		// A queued mutation makes local state authoritative: resolving
		// against the remote here would resurrect a pending delete.
		switch _, aerr := c.queue.Active(ctx, ownerScope, id); {
		case aerr == nil:
			return record.Persisted[T]{}, false, ErrNotFound
		case !errors.Is(aerr, queue.ErrOperationNotFound):
			return record.Persisted[T]{}, false, fmt.Errorf("read %s %s: %w", c.kind, id, aerr)
		}

		rec, err = c.fetchRemote(ctx, ownerScope, id)
		switch {
		case err == nil:
			return rec, false, nil
		case remote.IsNotFound(err):
			return record.Persisted[T]{}, false, ErrNotFound
		default:
			// Transient remote failure: fall through to the stale path.
			logging.Debug().Err(err).Str("kind", c.kind).Str("id", id).
				Msg("Remote read failed, trying stale cache")
		}
	}

	if ro.allowStale {
		if rec, _, ok := c.cache.GetStale(key); ok {
			return rec, true, nil
		}
	}
	return record.Persisted[T]{}, false, ErrNotFound
}

// ReadAll returns every locally known record in the scope. It never touches
// the network; remote hydration happens record by record through Read.
func (c *Coordinator[T]) ReadAll(ctx context.Context, ownerScope string) ([]record.Persisted[T], error) {
	recs, err := c.store.GetAll(ctx, ownerScope)
	if err != nil {
		return nil, fmt.Errorf("read all %s: %w", c.kind, err)
	}
	return recs, nil
}

// fetchRemote resolves a cache/store miss against the gateway. Concurrent
// callers for the same key share one request. A fetched record is persisted
// as synced so subsequent reads stay local.
func (c *Coordinator[T]) fetchRemote(ctx context.Context, ownerScope, id string) (record.Persisted[T], error) {
	key := record.Key(ownerScope, id)

	v, err, _ := c.reads.Do(key, func() (any, error) {
		// The claim is shared with the drain path: at most one gateway
		// call is ever in flight per entity.
		if _, claimed := c.claims.LoadOrStore(key, struct{}{}); claimed {
			return nil, remote.Transient("get "+c.kind, errors.New("entity sync in flight"))
		}
		defer c.claims.Delete(key)

		rec, err := c.gateway.Get(ctx, ownerScope, id)
		if err != nil {
			return nil, err
		}

		now := c.now().UTC()
		rec.SyncStatus = record.StatusSynced
		if rec.FirstSyncedAt == nil {
			rec.FirstSyncedAt = &now
		}
		if err := c.store.Upsert(ctx, rec); err != nil {
			return nil, err
		}
		c.cache.Put(key, rec)
		return rec, nil
	})
	if err != nil {
		return record.Persisted[T]{}, err
	}
	return v.(record.Persisted[T]), nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Trigger string `json:"trigger"`

	// Skipped is true when the pass did not run: another drain was in
	// flight or the monitor reported offline.
	Skipped bool `json:"skipped"`

	Synced  int `json:"synced"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// Drain replays queued operations against the remote gateway. Passes are
// mutually exclusive: a call while another drain is running returns
// immediately with Skipped set. Offline, the pass is a no-op.
func (c *Coordinator[T]) Drain(ctx context.Context, trigger string) (DrainResult, error) {
	res := DrainResult{Trigger: trigger}

	if !c.draining.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer c.draining.Store(false)

	if !c.monitor.Online() {
		res.Skipped = true
		return res, nil
	}

	metrics.DrainRuns.WithLabelValues(trigger).Inc()
	start := c.now()
	defer func() {
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	ops, err := c.queue.NextBatch(ctx, c.batch)
	if err != nil {
		return res, fmt.Errorf("drain %s: %w", c.kind, err)
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// Connectivity can drop mid-pass; stop instead of burning retries.
		if !c.monitor.Online() {
			break
		}

		key := record.Key(op.OwnerScope, op.EntityID)
		if _, claimed := c.claims.LoadOrStore(key, struct{}{}); claimed {
			continue
		}
		outcome := c.drainOne(ctx, op)
		c.claims.Delete(key)

		metrics.DrainOperations.WithLabelValues(c.kind, outcome).Inc()
		switch outcome {
		case "synced":
			res.Synced++
		case "retry":
			res.Retried++
		case "failed":
			res.Failed++
		}
	}

	if res.Synced+res.Retried+res.Failed > 0 {
		logging.Info().Str("kind", c.kind).Str("trigger", trigger).
			Int("synced", res.Synced).Int("retry", res.Retried).Int("failed", res.Failed).
			Msg("Drain pass complete")
	}
	return res, nil
}

// drainOne replays a single operation and settles its record. The returned
// outcome is one of synced, retry, failed.
func (c *Coordinator[T]) drainOne(ctx context.Context, op queue.Operation) string {
	if op.OpType != record.OpDelete {
		c.markSyncing(ctx, op)
	}

	err := c.dispatch(ctx, op)

	switch kind := remote.KindOf(err); {
	case err == nil:
		return c.settleSynced(ctx, op)

	case kind == remote.KindNotFound && op.OpType != record.OpCreate:
		// The remote record is already gone: a delete has nothing to do,
		// and an update targets a record deleted upstream. Either way the
		// operation cannot make progress; treat it as applied.
		return c.settleSynced(ctx, op)

	case kind == remote.KindConflict:
		return c.resolveConflict(ctx, op, err)

	case kind == remote.KindPermanent:
		failed, ferr := c.queue.FailPermanent(ctx, op, err.Error())
		if ferr != nil {
			logging.Error().Err(ferr).Str("kind", c.kind).Str("id", op.EntityID).
				Msg("Failed to record permanent failure")
			return "retry"
		}
		c.settleFailed(ctx, failed)
		return "failed"

	default: // transient, or unclassified treated as transient
		failed, ferr := c.queue.Fail(ctx, op, err.Error())
		if ferr != nil {
			logging.Error().Err(ferr).Str("kind", c.kind).Str("id", op.EntityID).
				Msg("Failed to record retry")
			return "retry"
		}
		if failed.Status == queue.OpPermanentlyFailed {
			c.settleFailed(ctx, failed)
			return "failed"
		}
		c.settleRetry(ctx, failed)
		return "retry"
	}
}

func (c *Coordinator[T]) dispatch(ctx context.Context, op queue.Operation) error {
	switch op.OpType {
	case record.OpCreate, record.OpUpdate:
		var rec record.Persisted[T]
		if err := op.UnmarshalPayload(&rec); err != nil {
			return remote.Permanent("decode queued payload", err)
		}
		if op.OpType == record.OpCreate {
			return c.gateway.Create(ctx, op.IdempotencyKey, rec)
		}
		return c.gateway.Update(ctx, op.IdempotencyKey, rec)
	case record.OpDelete:
		return c.gateway.Delete(ctx, op.IdempotencyKey, op.OwnerScope, op.EntityID)
	default:
		return remote.Permanent("dispatch", fmt.Errorf("unknown op type %q", op.OpType))
	}
}

// resolveConflict applies last-write-wins against the remote copy.
func (c *Coordinator[T]) resolveConflict(ctx context.Context, op queue.Operation, cause error) string {
	theirs, err := c.gateway.Get(ctx, op.OwnerScope, op.EntityID)
	if err != nil {
		if remote.IsNotFound(err) {
			// Conflicting record vanished; replay next pass.
			return c.retryTransient(ctx, op, cause)
		}
		return c.retryTransient(ctx, op, err)
	}

	var ours record.Persisted[T]
	if op.OpType != record.OpDelete {
		if err := op.UnmarshalPayload(&ours); err != nil {
			return c.retryTransient(ctx, op, err)
		}
	}

	if op.OpType == record.OpDelete || theirs.UpdatedAt.After(ours.UpdatedAt) {
		// Remote wins: adopt their copy locally and drop our mutation.
		now := c.now().UTC()
		theirs.SyncStatus = record.StatusSynced
		if theirs.FirstSyncedAt == nil {
			theirs.FirstSyncedAt = &now
		}
		if err := c.store.Upsert(ctx, theirs); err != nil {
			logging.Error().Err(err).Str("kind", c.kind).Str("id", op.EntityID).
				Msg("Failed to adopt remote record")
			return c.retryTransient(ctx, op, err)
		}
		c.cache.Put(theirs.Key(), theirs)
		metrics.SyncTransitions.WithLabelValues(c.kind, string(record.StatusSynced)).Inc()

		if err := c.queue.Ack(ctx, op); err != nil {
			logging.Error().Err(err).Str("kind", c.kind).Str("id", op.EntityID).Msg("Ack failed")
		}
		logging.Info().Str("kind", c.kind).Str("id", op.EntityID).
			Msg("Conflict resolved in favor of remote copy")
		return "synced"
	}

	// Local wins: force the overwrite now.
	if err := c.gateway.Update(ctx, op.IdempotencyKey, ours); err != nil {
		return c.retryTransient(ctx, op, err)
	}
	logging.Info().Str("kind", c.kind).Str("id", op.EntityID).
		Msg("Conflict resolved in favor of local copy")
	return c.settleSynced(ctx, op)
}

func (c *Coordinator[T]) retryTransient(ctx context.Context, op queue.Operation, cause error) string {
	failed, err := c.queue.Fail(ctx, op, cause.Error())
	if err != nil {
		logging.Error().Err(err).Str("kind", c.kind).Str("id", op.EntityID).
			Msg("Failed to record retry")
		return "retry"
	}
	if failed.Status == queue.OpPermanentlyFailed {
		c.settleFailed(ctx, failed)
		return "failed"
	}
	c.settleRetry(ctx, failed)
	return "retry"
}

// markSyncing flips the record to syncing for the duration of the attempt.
func (c *Coordinator[T]) markSyncing(ctx context.Context, op queue.Operation) {
	c.mutateRecord(ctx, op, func(rec *record.Persisted[T]) {
		rec.SyncStatus = record.StatusSyncing
		now := c.now().UTC()
		rec.LastAttemptAt = &now
	}, record.StatusSyncing)
}

// settleSynced acknowledges the operation and, if no newer local write has
// superseded the synced snapshot, marks the record synced. FirstSyncedAt is
// set exactly once either way.
func (c *Coordinator[T]) settleSynced(ctx context.Context, op queue.Operation) string {
	if err := c.queue.Ack(ctx, op); err != nil {
		logging.Error().Err(err).Str("kind", c.kind).Str("id", op.EntityID).Msg("Ack failed")
	}

	if op.OpType == record.OpDelete {
		// A read racing the queued delete may have re-hydrated the record
		// from the remote. Clear any synced copy now that the delete
		// applied; a pending copy is a newer local re-create and stays.
		rec, err := c.store.Get(ctx, op.OwnerScope, op.EntityID)
		if err == nil && rec.SyncStatus == record.StatusSynced {
			if derr := c.store.Delete(ctx, op.OwnerScope, op.EntityID); derr != nil {
				logging.Error().Err(derr).Str("kind", c.kind).Str("id", op.EntityID).
					Msg("Failed to clear local copy after remote delete")
			}
			c.cache.Remove(record.Key(op.OwnerScope, op.EntityID))
		}
		return "synced"
	}

	var snapshot record.Persisted[T]
	snapVersion := int64(-1)
	if err := op.UnmarshalPayload(&snapshot); err == nil {
		snapVersion = snapshot.Version
	}

	c.mutateRecord(ctx, op, func(rec *record.Persisted[T]) {
		if rec.FirstSyncedAt == nil {
			now := c.now().UTC()
			rec.FirstSyncedAt = &now
		}
		if rec.Version == snapVersion {
			rec.SyncStatus = record.StatusSynced
			rec.RetryCount = 0
			rec.LastError = ""
		} else {
			// A newer local write landed mid-flight; it stays pending and
			// drains on the next pass.
			rec.SyncStatus = record.StatusPending
		}
	}, record.StatusSynced)
	return "synced"
}

// settleRetry puts the record back to pending with the attempt bookkeeping
// mirrored from the queue.
func (c *Coordinator[T]) settleRetry(ctx context.Context, op queue.Operation) {
	c.mutateRecord(ctx, op, func(rec *record.Persisted[T]) {
		rec.SyncStatus = record.StatusPending
		rec.RetryCount = op.RetryCount
		rec.LastError = op.LastError
		rec.LastAttemptAt = op.LastAttemptAt
	}, record.StatusPending)
}

// settleFailed marks the record permanently failed.
func (c *Coordinator[T]) settleFailed(ctx context.Context, op queue.Operation) {
	c.mutateRecord(ctx, op, func(rec *record.Persisted[T]) {
		rec.SyncStatus = record.StatusFailed
		rec.RetryCount = op.RetryCount
		rec.LastError = op.LastError
		rec.LastAttemptAt = op.LastAttemptAt
	}, record.StatusFailed)
}

// mutateRecord loads, mutates and stores the record, keeping the cache in
// step. Absent records (deleted locally mid-flight) are skipped.
func (c *Coordinator[T]) mutateRecord(ctx context.Context, op queue.Operation, mutate func(*record.Persisted[T]), to record.Status) {
	rec, err := c.store.Get(ctx, op.OwnerScope, op.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("kind", c.kind).Str("id", op.EntityID).
			Msg("Failed to load record for status update")
		return
	}

	mutate(&rec)

	if err := c.store.Upsert(ctx, rec); err != nil {
		logging.Error().Err(err).Str("kind", c.kind).Str("id", op.EntityID).
			Msg("Failed to store record status update")
		return
	}
	c.cache.Put(rec.Key(), rec)
	metrics.SyncTransitions.WithLabelValues(c.kind, string(to)).Inc()
}

// RetryFailed re-activates a permanently failed operation and flips its
// record back to pending. The manual escape hatch surfaced by the admin API.
func (c *Coordinator[T]) RetryFailed(ctx context.Context, ownerScope, entityID string) error {
	op, err := c.queue.RetryFailed(ctx, ownerScope, entityID)
	if err != nil {
		return fmt.Errorf("retry failed %s %s: %w", c.kind, entityID, err)
	}

	c.mutateRecord(ctx, op, func(rec *record.Persisted[T]) {
		rec.SyncStatus = record.StatusPending
		rec.RetryCount = 0
		rec.LastError = ""
	}, record.StatusPending)

	c.notifyWrite()
	return nil
}

// FailedOps lists this kind's permanently failed operations.
func (c *Coordinator[T]) FailedOps(ctx context.Context) ([]queue.Operation, error) {
	return c.queue.FailedOps(ctx)
}

// Stats is the diagnostics snapshot for one engine.
type Stats struct {
	Kind   string      `json:"kind"`
	Online bool        `json:"online"`
	Cache  cache.Stats `json:"cache"`
	Queue  queue.Stats `json:"queue"`
}

// Snapshot collects current cache and queue statistics.
func (c *Coordinator[T]) Snapshot(ctx context.Context) (Stats, error) {
	qs, err := c.queue.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("snapshot %s: %w", c.kind, err)
	}

	cs := c.cache.Snapshot()
	c.exportCacheStats(cs)

	return Stats{
		Kind:   c.kind,
		Online: c.monitor.Online(),
		Cache:  cs,
		Queue:  qs,
	}, nil
}

// SweepCache purges expired cache entries and refreshes the size gauge.
// Called periodically by the sweep service.
func (c *Coordinator[T]) SweepCache() int {
	removed := c.cache.RemoveExpired()
	c.exportCacheStats(c.cache.Snapshot())
	return removed
}

func (c *Coordinator[T]) exportCacheStats(cs cache.Stats) {
	metrics.CacheSize.WithLabelValues(c.kind).Set(float64(cs.Size))
	if prev := c.evictionsSeen.Swap(cs.Evictions); cs.Evictions > prev {
		metrics.CacheEvictions.WithLabelValues(c.kind).Add(float64(cs.Evictions - prev))
	}
}

func (c *Coordinator[T]) notifyWrite() {
	select {
	case c.writes <- struct{}{}:
	default:
	}
}
