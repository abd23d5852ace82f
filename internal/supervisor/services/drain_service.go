// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package services contains the suture service wrappers around the engine's
// background work: draining queued mutations, sweeping caches and serving
// the admin API.
package services

import (
	"context"
	"time"

	"github.com/apothecarylabs/medisync/internal/connectivity"
	"github.com/apothecarylabs/medisync/internal/engine"
	"github.com/apothecarylabs/medisync/internal/logging"
)

// DrainService replays queued mutations for every registered engine. Drains
// run when connectivity returns, after local writes while online, and on a
// safety-net timer that catches expired retry backoffs.
type DrainService struct {
	registry *engine.Registry
	monitor  connectivity.Monitor
	interval time.Duration
}

// NewDrainService creates the drain loop. interval is the safety-net timer;
// non-positive values default to one minute.
func NewDrainService(registry *engine.Registry, monitor connectivity.Monitor, interval time.Duration) *DrainService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DrainService{registry: registry, monitor: monitor, interval: interval}
}

// Serve implements suture.Service.
func (s *DrainService) Serve(ctx context.Context) error {
	transitions, cancel := s.monitor.Subscribe()
	defer cancel()

	writes := s.mergeWriteSignals(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Drain service started")

	// Catch up on anything queued before we started.
	if s.monitor.Online() {
		s.drainAll(ctx, engine.TriggerTimer)
	}

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Drain service stopped")
			return ctx.Err()

		case online, ok := <-transitions:
			if !ok {
				return ctx.Err()
			}
			if online {
				s.drainAll(ctx, engine.TriggerConnectivity)
			}

		case <-writes:
			if s.monitor.Online() {
				s.drainAll(ctx, engine.TriggerWrite)
			}

		case <-ticker.C:
			if s.monitor.Online() {
				s.drainAll(ctx, engine.TriggerTimer)
			}
		}
	}
}

// mergeWriteSignals fans the per-engine write signals into one channel.
func (s *DrainService) mergeWriteSignals(ctx context.Context) <-chan struct{} {
	merged := make(chan struct{}, 1)
	for _, e := range s.registry.All() {
		go func(sig <-chan struct{}) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-sig:
					select {
					case merged <- struct{}{}:
					default:
					}
				}
			}
		}(e.WriteSignal())
	}
	return merged
}

func (s *DrainService) drainAll(ctx context.Context, trigger string) {
	for _, e := range s.registry.All() {
		res, err := e.Drain(ctx, trigger)
		if err != nil {
			logging.Error().Err(err).Str("kind", e.Kind()).Msg("Drain failed")
			continue
		}
		if res.Skipped {
			continue
		}
		logging.Debug().Str("kind", e.Kind()).Str("trigger", trigger).
			Int("synced", res.Synced).Int("retry", res.Retried).Int("failed", res.Failed).
			Msg("Drain pass finished")
	}
}

func (s *DrainService) String() string {
	return "drain-service"
}
