// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package connectivity reports whether the remote backend is reachable.
//
// The engine never probes the network on its own: it consults the monitor's
// last known state synchronously and reacts to offline→online transitions to
// trigger queue drains. Two implementations are provided: Manual, driven
// externally (tests, platform reachability callbacks), and Probe, which
// polls a health endpoint.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apothecarylabs/medisync/internal/logging"
	"github.com/apothecarylabs/medisync/internal/metrics"
)

// Monitor exposes the last known connectivity state and a stream of state
// transitions.
type Monitor interface {
	// Online returns the last known state without blocking or touching the
	// network.
	Online() bool

	// Subscribe registers a transition listener. Each value sent is the new
	// state; consecutive duplicates are suppressed. The returned cancel
	// func must be called to release the subscription.
	Subscribe() (<-chan bool, func())
}

// Manual is a Monitor whose state is set by the caller. It is the building
// block for platform-specific reachability hooks and for tests.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewManual creates a manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{
		online: online,
		subs:   make(map[int]chan bool),
	}
	setOnlineGauge(online)
	return m
}

// Online implements Monitor.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *Manual) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	// Buffered so a slow consumer cannot block SetOnline.
	ch := make(chan bool, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// SetOnline updates the state. Transitions fan out to subscribers; setting
// the current state again is a no-op.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	setOnlineGauge(online)
	logging.Info().Bool("online", online).Msg("Connectivity changed")

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Subscriber is saturated; it will observe the state via
			// Online() on its next cycle.
		}
	}
}

func setOnlineGauge(online bool) {
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
}

// ProbeConfig configures the polling monitor.
type ProbeConfig struct {
	// URL is the health endpoint to poll. A 2xx response means online.
	URL string

	// Interval between probes while online.
	// Default: 30s
	Interval time.Duration

	// OfflineInterval between probes while offline. Kept shorter so
	// recovery is noticed quickly.
	// Default: 5s
	OfflineInterval time.Duration

	// Timeout for a single probe request.
	// Default: 5s
	Timeout time.Duration
}

// Probe polls a remote health endpoint and publishes transitions. It
// implements suture.Service via Serve.
type Probe struct {
	*Manual

	cfg    ProbeConfig
	client *http.Client
}

// NewProbe creates a polling monitor. The initial state is offline until
// the first successful probe.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OfflineInterval <= 0 {
		cfg.OfflineInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Probe{
		Manual: NewManual(false),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Serve polls the health endpoint until the context is cancelled.
func (p *Probe) Serve(ctx context.Context) error {
	logging.Info().Str("url", p.cfg.URL).Dur("interval", p.cfg.Interval).Msg("Connectivity probe started")

	timer := time.NewTimer(0) // first probe immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Connectivity probe stopped")
			return ctx.Err()
		case <-timer.C:
		}

		p.SetOnline(p.check(ctx))

		interval := p.cfg.Interval
		if !p.Online() {
			interval = p.cfg.OfflineInterval
		}
		timer.Reset(interval)
	}
}

func (p *Probe) check(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		logging.Error().Err(err).Msg("Invalid probe request")
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug().Err(err).Msg("Connectivity probe failed")
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *Probe) String() string {
	return "connectivity-probe"
}
