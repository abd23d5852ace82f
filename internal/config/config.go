// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package config defines the engine configuration and its three-layer
// loading: struct defaults, then a YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the full engine configuration.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Remote       RemoteConfig       `koanf:"remote"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Cache        CacheConfig        `koanf:"cache"`
	Queue        QueueConfig        `koanf:"queue"`
	Drain        DrainConfig        `koanf:"drain"`

	// Engines holds per-kind overrides. Zero-valued fields fall back to
	// the global Cache/Queue sections.
	Engines map[string]EngineConfig `koanf:"engines"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error
	Format string `koanf:"format"` // json or console
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the admin/diagnostics HTTP listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig controls the shared BadgerDB instance backing the entity
// stores and sync queues.
type DatabaseConfig struct {
	Path         string        `koanf:"path"`
	SyncWrites   bool          `koanf:"sync_writes"`
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// RemoteConfig points at the authoritative backend.
type RemoteConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// ConnectivityConfig controls the reachability probe.
type ConnectivityConfig struct {
	HealthURL       string        `koanf:"health_url"`
	Interval        time.Duration `koanf:"interval"`
	OfflineInterval time.Duration `koanf:"offline_interval"`
	Timeout         time.Duration `koanf:"timeout"`
}

// CacheConfig bounds the in-memory cache layer.
type CacheConfig struct {
	MaxEntries    int           `koanf:"max_entries"`
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// QueueConfig is the retry policy for queued mutations.
type QueueConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
}

// DrainConfig controls when and how queued mutations are replayed.
type DrainConfig struct {
	// BatchSize caps operations per drain pass.
	BatchSize int `koanf:"batch_size"`

	// Interval is the safety-net timer between drains; connectivity
	// transitions and local writes trigger drains sooner.
	Interval time.Duration `koanf:"interval"`
}

// EngineConfig overrides cache and queue settings for one entity kind.
type EngineConfig struct {
	Cache CacheConfig `koanf:"cache"`
	Queue QueueConfig `koanf:"queue"`
}

// defaultConfig returns the defaults applied before file and env layers.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8686,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:         "/data/medisync",
			SyncWrites:   true,
			CloseTimeout: 30 * time.Second,
		},
		Remote: RemoteConfig{
			BaseURL: "",
			APIKey:  "",
			Timeout: 15 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			HealthURL:       "",
			Interval:        30 * time.Second,
			OfflineInterval: 5 * time.Second,
			Timeout:         5 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries:    1000,
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Queue: QueueConfig{
			MaxRetries: 5,
			BaseDelay:  5 * time.Second,
			MaxDelay:   5 * time.Minute,
		},
		Drain: DrainConfig{
			BatchSize: 100,
			Interval:  time.Minute,
		},
		Engines: map[string]EngineConfig{},
	}
}

// EngineCache resolves the cache settings for an entity kind, applying
// per-kind overrides over the global section.
func (c *Config) EngineCache(kind string) CacheConfig {
	out := c.Cache
	if o, ok := c.Engines[kind]; ok {
		if o.Cache.MaxEntries > 0 {
			out.MaxEntries = o.Cache.MaxEntries
		}
		if o.Cache.TTL > 0 {
			out.TTL = o.Cache.TTL
		}
		if o.Cache.SweepInterval > 0 {
			out.SweepInterval = o.Cache.SweepInterval
		}
	}
	return out
}

// EngineQueue resolves the queue retry policy for an entity kind.
func (c *Config) EngineQueue(kind string) QueueConfig {
	out := c.Queue
	if o, ok := c.Engines[kind]; ok {
		if o.Queue.MaxRetries > 0 {
			out.MaxRetries = o.Queue.MaxRetries
		}
		if o.Queue.BaseDelay > 0 {
			out.BaseDelay = o.Queue.BaseDelay
		}
		if o.Queue.MaxDelay > 0 {
			out.MaxDelay = o.Queue.MaxDelay
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be positive")
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("queue delays invalid: base=%v max=%v", c.Queue.BaseDelay, c.Queue.MaxDelay)
	}
	if c.Drain.BatchSize <= 0 {
		return fmt.Errorf("drain.batch_size must be positive")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q must be json or console", c.Logging.Format)
	}
	return nil
}
