// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apothecarylabs/medisync/internal/logging"
)

// blockingService runs until its context is canceled.
type blockingService struct {
	started atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.started.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestTree_RunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{})

	syncSvc := &blockingService{}
	apiSvc := &blockingService{}
	tree.AddSyncService(syncSvc)
	tree.AddAPIService(apiSvc)

	ctx, cancel := context.WithCancel(context.Background())
	errc := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return syncSvc.started.Load() == 1 && apiSvc.started.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTree_RestartsCrashedService(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond

	tree := NewTree(logging.NewSlogLogger(), cfg)

	crashes := &crashingService{}
	tree.AddSyncService(crashes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return crashes.runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "crashed service must be restarted")
}

type crashingService struct {
	runs atomic.Int32
}

func (s *crashingService) Serve(ctx context.Context) error {
	if s.runs.Add(1) == 1 {
		return context.DeadlineExceeded // arbitrary non-clean error
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	require.Equal(t, 5.0, cfg.FailureThreshold)
	require.Equal(t, 30.0, cfg.FailureDecay)
	require.Equal(t, 15*time.Second, cfg.FailureBackoff)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}
