// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package main is the entry point for the medisync daemon.
//
// Medisync is the offline-first synchronization engine embedded in the
// pharmacy companion app. All domain reads and writes go through per-kind
// engines that keep a durable BadgerDB mirror and a bounded in-memory cache;
// mutations are queued locally and replayed against the remote backend when
// connectivity allows.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layering (defaults, YAML file, MEDISYNC_* env)
//  2. Logging: zerolog, JSON or console format
//  3. Database: one shared BadgerDB for entity stores and sync queues
//  4. Engines: prescription, order, payment, bill, reminder, medicineinfo
//  5. Crash recovery: records stuck in syncing return to pending
//  6. Supervision tree: connectivity probe, drain loop, cache sweeper and
//     the admin API run under suture with restart backoff
//
// # Signal handling
//
// SIGINT and SIGTERM cancel the root context; the tree shuts services down
// gracefully and the database is closed with a bounded timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dgraph-io/badger/v4"

	"github.com/apothecarylabs/medisync/internal/api"
	"github.com/apothecarylabs/medisync/internal/cache"
	"github.com/apothecarylabs/medisync/internal/config"
	"github.com/apothecarylabs/medisync/internal/connectivity"
	"github.com/apothecarylabs/medisync/internal/engine"
	"github.com/apothecarylabs/medisync/internal/logging"
	"github.com/apothecarylabs/medisync/internal/models"
	"github.com/apothecarylabs/medisync/internal/queue"
	"github.com/apothecarylabs/medisync/internal/record"
	"github.com/apothecarylabs/medisync/internal/remote"
	"github.com/apothecarylabs/medisync/internal/store"
	"github.com/apothecarylabs/medisync/internal/supervisor"
	"github.com/apothecarylabs/medisync/internal/supervisor/services"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "medisync: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("Starting medisync")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("medisync failed")
	}
	logging.Info().Msg("medisync stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(store.Options{
		Path:       cfg.Database.Path,
		SyncWrites: cfg.Database.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if cerr := store.Close(db, cfg.Database.CloseTimeout); cerr != nil {
			logging.Error().Err(cerr).Msg("Database close failed")
		}
	}()

	monitor := newMonitor(cfg)

	registry := engine.NewRegistry()
	for kind, build := range engineBuilders() {
		if err := build(registry, db, kind, cfg, monitor); err != nil {
			return fmt.Errorf("build %s engine: %w", kind, err)
		}
	}

	// Records stuck in syncing are leftovers from a crash mid-drain.
	for _, e := range registry.All() {
		if err := e.Recover(ctx); err != nil {
			return err
		}
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(monitor)
	tree.AddSyncService(services.NewDrainService(registry, monitor, cfg.Drain.Interval))
	tree.AddSyncService(services.NewSweepService(registry, cfg.Cache.SweepInterval))

	handler := api.NewHandler(registry, monitor)
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	tree.AddAPIService(services.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervision tree: %w", err)
	}
	return nil
}

// newMonitor builds the connectivity probe. Without an explicit health URL
// the remote's /healthz endpoint is assumed.
func newMonitor(cfg *config.Config) *connectivity.Probe {
	healthURL := cfg.Connectivity.HealthURL
	if healthURL == "" {
		healthURL = cfg.Remote.BaseURL + "/healthz"
	}
	return connectivity.NewProbe(connectivity.ProbeConfig{
		URL:             healthURL,
		Interval:        cfg.Connectivity.Interval,
		OfflineInterval: cfg.Connectivity.OfflineInterval,
		Timeout:         cfg.Connectivity.Timeout,
	})
}

type engineBuilder func(*engine.Registry, *badger.DB, string, *config.Config, connectivity.Monitor) error

// engineBuilders maps each entity kind to its typed constructor. Generics
// cannot be instantiated from a runtime value, so the kinds are enumerated
// here once.
func engineBuilders() map[string]engineBuilder {
	return map[string]engineBuilder{
		"prescription": buildEngine[models.Prescription],
		"order":        buildEngine[models.Order],
		"payment":      buildEngine[models.Payment],
		"bill":         buildEngine[models.Bill],
		"reminder":     buildEngine[models.Reminder],
		"medicineinfo": buildEngine[models.MedicineInfo],
	}
}

func buildEngine[T any](reg *engine.Registry, db *badger.DB, kind string, cfg *config.Config, monitor connectivity.Monitor) error {
	qcfg := cfg.EngineQueue(kind)
	ccfg := cfg.EngineCache(kind)

	gateway := remote.NewBreakerGateway(kind, remote.NewHTTPGateway[T](kind, remote.HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.Timeout,
	}))

	coord, err := engine.New(engine.Options[T]{
		Store: store.New[T](db, kind),
		Queue: queue.New(db, kind, queue.Config{
			MaxRetries: qcfg.MaxRetries,
			BaseDelay:  qcfg.BaseDelay,
			MaxDelay:   qcfg.MaxDelay,
		}),
		Cache:      cache.New[record.Persisted[T]](ccfg.MaxEntries, ccfg.TTL),
		Gateway:    gateway,
		Monitor:    monitor,
		DrainBatch: cfg.Drain.BatchSize,
	})
	if err != nil {
		return err
	}

	reg.Register(coord)
	logging.Debug().Str("kind", kind).
		Int("cache_entries", ccfg.MaxEntries).Dur("cache_ttl", ccfg.TTL).
		Int("max_retries", qcfg.MaxRetries).
		Msg("Engine registered")
	return nil
}
