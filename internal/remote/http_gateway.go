// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/apothecarylabs/medisync/internal/record"
)

// HTTPConfig configures an HTTPGateway.
type HTTPConfig struct {
	// BaseURL is the remote store root, e.g. "https://api.example.com".
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Timeout bounds each call. There is no mid-request cancellation; an
	// unresponsive call becomes a transient failure after this long.
	// Default: 15s
	Timeout time.Duration
}

// HTTPGateway talks JSON over HTTP to the remote document store for one
// entity kind. Routes follow the remote convention:
//
//	POST   {base}/v1/{kind}/{scope}        create
//	PUT    {base}/v1/{kind}/{scope}/{id}   update
//	DELETE {base}/v1/{kind}/{scope}/{id}   delete
//	GET    {base}/v1/{kind}/{scope}/{id}   get
//
// Every mutation carries an Idempotency-Key header so the remote can
// deduplicate replays after ambiguous failures.
type HTTPGateway[T any] struct {
	kind   string
	cfg    HTTPConfig
	client *http.Client
}

const defaultHTTPTimeout = 15 * time.Second

// NewHTTPGateway creates a gateway for the given entity kind ("prescription",
// "order", ...).
func NewHTTPGateway[T any](kind string, cfg HTTPConfig) *HTTPGateway[T] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPGateway[T]{
		kind: kind,
		cfg:  cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Create implements Gateway.
func (g *HTTPGateway[T]) Create(ctx context.Context, idempotencyKey string, rec record.Persisted[T]) error {
	op := "create " + g.kind
	url := fmt.Sprintf("%s/v1/%s/%s", g.cfg.BaseURL, g.kind, rec.OwnerScope)
	return g.send(ctx, op, http.MethodPost, url, idempotencyKey, &rec, nil)
}

// Update implements Gateway.
func (g *HTTPGateway[T]) Update(ctx context.Context, idempotencyKey string, rec record.Persisted[T]) error {
	op := "update " + g.kind
	url := fmt.Sprintf("%s/v1/%s/%s/%s", g.cfg.BaseURL, g.kind, rec.OwnerScope, rec.ID)
	return g.send(ctx, op, http.MethodPut, url, idempotencyKey, &rec, nil)
}

// Delete implements Gateway.
func (g *HTTPGateway[T]) Delete(ctx context.Context, idempotencyKey, ownerScope, id string) error {
	op := "delete " + g.kind
	url := fmt.Sprintf("%s/v1/%s/%s/%s", g.cfg.BaseURL, g.kind, ownerScope, id)
	return g.send(ctx, op, http.MethodDelete, url, idempotencyKey, nil, nil)
}

// Get implements Gateway.
func (g *HTTPGateway[T]) Get(ctx context.Context, ownerScope, id string) (record.Persisted[T], error) {
	op := "get " + g.kind
	url := fmt.Sprintf("%s/v1/%s/%s/%s", g.cfg.BaseURL, g.kind, ownerScope, id)

	var rec record.Persisted[T]
	if err := g.send(ctx, op, http.MethodGet, url, "", nil, &rec); err != nil {
		return record.Persisted[T]{}, err
	}
	return rec, nil
}

// send performs one HTTP exchange: marshal body, set headers, classify the
// response status into the failure taxonomy, decode out if given.
func (g *HTTPGateway[T]) send(ctx context.Context, op, method, url, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Permanent(op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Permanent(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransportErr(op, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Transient(op, fmt.Errorf("decode response: %w", err))
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	}
	return nil
}

// classifyStatus maps an HTTP status to the failure taxonomy.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return NotFound(op)
	case status == http.StatusConflict:
		return Conflict(op, fmt.Errorf("http %d", status))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return Permanent(op, fmt.Errorf("http %d", status))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return Transient(op, fmt.Errorf("http %d", status))
	default:
		return Transient(op, fmt.Errorf("http %d", status))
	}
}
