// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package metrics provides Prometheus instrumentation for the sync engine:
// cache efficiency, queue depth, drain outcomes, sync state transitions and
// circuit breaker state. Collectors are registered once via promauto and
// exposed on the admin API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics, labeled by engine kind (prescription, order, ...).

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_cache_hits_total",
			Help: "Total number of TTL cache hits",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_cache_misses_total",
			Help: "Total number of TTL cache misses",
		},
		[]string{"kind"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_cache_evictions_total",
			Help: "Total number of LRU evictions",
		},
		[]string{"kind"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medisync_cache_entries",
			Help: "Current number of cached entries",
		},
		[]string{"kind"},
	)

	// Queue metrics.

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medisync_queue_active_operations",
			Help: "Number of active (not yet synced) queued operations",
		},
		[]string{"kind"},
	)

	QueueFailed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medisync_queue_failed_operations",
			Help: "Number of permanently failed operations retained for diagnostics",
		},
		[]string{"kind"},
	)

	QueueCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_queue_coalesced_total",
			Help: "Total number of enqueues coalesced into an existing active operation",
		},
		[]string{"kind"},
	)

	// Drain metrics.

	DrainRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_drain_runs_total",
			Help: "Total number of drain executions by trigger (connectivity, timer, write, manual)",
		},
		[]string{"trigger"},
	)

	DrainOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_drain_operations_total",
			Help: "Total number of drained operations by outcome",
		},
		[]string{"kind", "outcome"}, // synced, retry, failed
	)

	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medisync_drain_duration_seconds",
			Help:    "Duration of a full drain pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync state transitions.

	SyncTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medisync_sync_transitions_total",
			Help: "Total number of per-entity sync status transitions",
		},
		[]string{"kind", "to"}, // pending, syncing, synced, failed
	)

	// Connectivity.

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medisync_online",
			Help: "1 when the connectivity monitor reports online, 0 otherwise",
		},
	)

	// Circuit breaker state: 0 closed, 1 half-open, 2 open.

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medisync_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"gateway"},
	)
)
