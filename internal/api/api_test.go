// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/apothecarylabs/medisync/internal/connectivity"
	"github.com/apothecarylabs/medisync/internal/engine"
	"github.com/apothecarylabs/medisync/internal/queue"
	"github.com/apothecarylabs/medisync/internal/record"
)

// stubEngine is a scriptable engine.Engine.
type stubEngine struct {
	kind    string
	stats   engine.Stats
	failed  []queue.Operation
	drained []string
	retries []string
	writes  chan struct{}
}

func newStubEngine(kind string) *stubEngine {
	return &stubEngine{
		kind:   kind,
		stats:  engine.Stats{Kind: kind, Online: true},
		writes: make(chan struct{}, 1),
	}
}

func (s *stubEngine) Kind() string                  { return s.kind }
func (s *stubEngine) Recover(context.Context) error { return nil }
func (s *stubEngine) WriteSignal() <-chan struct{}  { return s.writes }
func (s *stubEngine) SweepCache() int               { return 0 }

func (s *stubEngine) Drain(_ context.Context, trigger string) (engine.DrainResult, error) {
	s.drained = append(s.drained, trigger)
	return engine.DrainResult{Trigger: trigger, Synced: 2}, nil
}

func (s *stubEngine) Snapshot(context.Context) (engine.Stats, error) {
	return s.stats, nil
}

func (s *stubEngine) FailedOps(context.Context) ([]queue.Operation, error) {
	return s.failed, nil
}

func (s *stubEngine) RetryFailed(_ context.Context, scope, id string) error {
	if scope == "u" && id == "known" {
		s.retries = append(s.retries, scope+"/"+id)
		return nil
	}
	return queue.ErrOperationNotFound
}

func newTestServer(t *testing.T) (*httptest.Server, *stubEngine) {
	t.Helper()

	e := newStubEngine("reminder")
	reg := engine.NewRegistry()
	reg.Register(e)

	h := NewHandler(reg, connectivity.NewManual(true))
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, e
}

func get(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func post(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	var body healthResponse
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/healthz", &body))
	require.Equal(t, "ok", body.Status)
	require.True(t, body.Online)
	require.Equal(t, 1, body.Engines)
}

func TestListEngines(t *testing.T) {
	srv, _ := newTestServer(t)

	var body []engine.Stats
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/api/v1/engines", &body))
	require.Len(t, body, 1)
	require.Equal(t, "reminder", body[0].Kind)
}

func TestEngineStats(t *testing.T) {
	srv, _ := newTestServer(t)

	var body engine.Stats
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/api/v1/engines/reminder", &body))
	require.Equal(t, "reminder", body.Kind)

	require.Equal(t, http.StatusNotFound, get(t, srv.URL+"/api/v1/engines/unknown", nil))
}

func TestFailedOps(t *testing.T) {
	srv, e := newTestServer(t)
	e.failed = []queue.Operation{{
		IdempotencyKey: "r1:update",
		OpType:         record.OpUpdate,
		OwnerScope:     "u",
		EntityID:       "r1",
		Status:         queue.OpPermanentlyFailed,
		LastError:      "rejected",
		CreatedAt:      time.Now().UTC(),
	}}

	var body []queue.Operation
	require.Equal(t, http.StatusOK, get(t, srv.URL+"/api/v1/engines/reminder/failed", &body))
	require.Len(t, body, 1)
	require.Equal(t, "r1", body[0].EntityID)

	// Empty list encodes as [], not null.
	e.failed = nil
	resp, err := http.Get(srv.URL + "/api/v1/engines/reminder/failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	require.JSONEq(t, "[]", string(raw))
}

func TestManualDrain(t *testing.T) {
	srv, e := newTestServer(t)

	var body engine.DrainResult
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/api/v1/engines/reminder/drain", &body))
	require.Equal(t, engine.TriggerManual, body.Trigger)
	require.Equal(t, 2, body.Synced)
	require.Equal(t, []string{engine.TriggerManual}, e.drained)
}

func TestManualRetry(t *testing.T) {
	srv, e := newTestServer(t)

	require.Equal(t, http.StatusAccepted,
		post(t, srv.URL+"/api/v1/engines/reminder/retry/u/known", nil))
	require.Equal(t, []string{"u/known"}, e.retries)

	require.Equal(t, http.StatusNotFound,
		post(t, srv.URL+"/api/v1/engines/reminder/retry/u/missing", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
