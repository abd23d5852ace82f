// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package services

import (
	"context"
	"time"

	"github.com/apothecarylabs/medisync/internal/engine"
	"github.com/apothecarylabs/medisync/internal/logging"
)

// SweepService periodically purges expired cache entries for every engine.
// Expiry is otherwise lazy, so without the sweeper entries that are never
// re-read would sit in memory until evicted.
type SweepService struct {
	registry *engine.Registry
	interval time.Duration
}

// NewSweepService creates the sweeper. Non-positive intervals default to
// one minute.
func NewSweepService(registry *engine.Registry, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepService{registry: registry, interval: interval}
}

// Serve implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Cache sweep service started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Cache sweep service stopped")
			return ctx.Err()
		case <-ticker.C:
			for _, e := range s.registry.All() {
				if removed := e.SweepCache(); removed > 0 {
					logging.Debug().Str("kind", e.Kind()).Int("removed", removed).
						Msg("Swept expired cache entries")
				}
			}
		}
	}
}

func (s *SweepService) String() string {
	return "sweep-service"
}
