// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/apothecarylabs/medisync/internal/queue"
)

// Engine is the kind-agnostic surface of a Coordinator. The drain service
// and the admin API operate on engines without knowing their payload type.
type Engine interface {
	Kind() string
	Recover(ctx context.Context) error
	Drain(ctx context.Context, trigger string) (DrainResult, error)
	WriteSignal() <-chan struct{}
	SweepCache() int
	Snapshot(ctx context.Context) (Stats, error)
	FailedOps(ctx context.Context) ([]queue.Operation, error)
	RetryFailed(ctx context.Context, ownerScope, entityID string) error
}

// Registry holds the engines for all entity kinds.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. Registering a kind twice replaces the first.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Kind()] = e
}

// Get returns the engine for the kind, or nil.
func (r *Registry) Get(kind string) Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[kind]
}

// All returns every registered engine, sorted by kind for stable iteration.
func (r *Registry) All() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}
