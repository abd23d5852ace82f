// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

// Package api serves the local diagnostics surface: engine snapshots,
// permanently failed operations, manual retry and drain triggers, health
// and Prometheus metrics. It binds to loopback by default; it is an
// operator tool, not the application's data API.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apothecarylabs/medisync/internal/connectivity"
	"github.com/apothecarylabs/medisync/internal/engine"
	"github.com/apothecarylabs/medisync/internal/logging"
	"github.com/apothecarylabs/medisync/internal/queue"
)

// Handler builds the admin router over the engine registry.
type Handler struct {
	registry *engine.Registry
	monitor  connectivity.Monitor
}

// NewHandler creates the admin API handler.
func NewHandler(registry *engine.Registry, monitor connectivity.Monitor) *Handler {
	return &Handler{registry: registry, monitor: monitor}
}

// Router assembles the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/engines", h.listEngines)
		r.Route("/engines/{kind}", func(r chi.Router) {
			r.Get("/", h.engineStats)
			r.Get("/failed", h.failedOps)
			r.Post("/drain", h.drain)
			r.Post("/retry/{scope}/{id}", h.retry)
		})
	})

	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Online  bool   `json:"online"`
	Engines int    `json:"engines"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Online:  h.monitor.Online(),
		Engines: len(h.registry.All()),
	})
}

func (h *Handler) listEngines(w http.ResponseWriter, r *http.Request) {
	engines := h.registry.All()
	out := make([]engine.Stats, 0, len(engines))
	for _, e := range engines {
		stats, err := e.Snapshot(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, stats)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) engineStats(w http.ResponseWriter, r *http.Request) {
	e := h.engine(w, r)
	if e == nil {
		return
	}
	stats, err := e.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) failedOps(w http.ResponseWriter, r *http.Request) {
	e := h.engine(w, r)
	if e == nil {
		return
	}
	ops, err := e.FailedOps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ops == nil {
		ops = []queue.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) drain(w http.ResponseWriter, r *http.Request) {
	e := h.engine(w, r)
	if e == nil {
		return
	}
	res, err := e.Drain(r.Context(), engine.TriggerManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	e := h.engine(w, r)
	if e == nil {
		return
	}

	scope := chi.URLParam(r, "scope")
	id := chi.URLParam(r, "id")

	err := e.RetryFailed(r.Context(), scope, id)
	switch {
	case errors.Is(err, queue.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logging.Info().Str("kind", e.Kind()).Str("scope", scope).Str("id", id).
		Msg("Manual retry requested")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "retry scheduled",
	})
}

// engine resolves the {kind} URL parameter, writing a 404 on miss.
func (h *Handler) engine(w http.ResponseWriter, r *http.Request) engine.Engine {
	kind := chi.URLParam(r, "kind")
	e := h.registry.Get(kind)
	if e == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown engine kind "+kind))
		return nil
	}
	return e
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
