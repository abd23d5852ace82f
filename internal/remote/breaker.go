// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package remote

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/apothecarylabs/medisync/internal/logging"
	"github.com/apothecarylabs/medisync/internal/metrics"
	"github.com/apothecarylabs/medisync/internal/record"
)

// BreakerGateway wraps a Gateway with a circuit breaker so a flapping or
// down remote fails fast instead of tying up drain attempts in timeouts.
//
// Circuit breaker configuration:
//   - Max 3 concurrent requests in half-open state
//   - 1 minute measurement window
//   - 30 second timeout before attempting recovery
//   - Opens after 60% failure rate with minimum 6 requests
//
// Only transient failures count against the breaker: a validation rejection
// or a not-found says nothing about remote availability.
type BreakerGateway[T any] struct {
	inner Gateway[T]
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// NewBreakerGateway wraps inner with a named circuit breaker.
func NewBreakerGateway[T any](name string, inner Gateway[T]) *BreakerGateway[T] {
	metrics.BreakerState.WithLabelValues(name).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 6 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		IsSuccessful: func(err error) bool {
			// Permanent, not-found and conflict outcomes reached the remote.
			return err == nil || !Retryable(err)
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("circuit breaker state transition")
			metrics.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerGateway[T]{inner: inner, cb: cb, name: name}
}

// execute runs fn under the breaker and maps breaker rejections onto the
// transient error kind so the normal retry path handles them.
func (b *BreakerGateway[T]) execute(op string, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, Transient(op, err)
		}
		return nil, err
	}
	return result, nil
}

// Create implements Gateway.
func (b *BreakerGateway[T]) Create(ctx context.Context, idempotencyKey string, rec record.Persisted[T]) error {
	_, err := b.execute("create "+b.name, func() (any, error) {
		return nil, b.inner.Create(ctx, idempotencyKey, rec)
	})
	return err
}

// Update implements Gateway.
func (b *BreakerGateway[T]) Update(ctx context.Context, idempotencyKey string, rec record.Persisted[T]) error {
	_, err := b.execute("update "+b.name, func() (any, error) {
		return nil, b.inner.Update(ctx, idempotencyKey, rec)
	})
	return err
}

// Delete implements Gateway.
func (b *BreakerGateway[T]) Delete(ctx context.Context, idempotencyKey, ownerScope, id string) error {
	_, err := b.execute("delete "+b.name, func() (any, error) {
		return nil, b.inner.Delete(ctx, idempotencyKey, ownerScope, id)
	})
	return err
}

// Get implements Gateway.
func (b *BreakerGateway[T]) Get(ctx context.Context, ownerScope, id string) (record.Persisted[T], error) {
	result, err := b.execute("get "+b.name, func() (any, error) {
		rec, err := b.inner.Get(ctx, ownerScope, id)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return record.Persisted[T]{}, err
	}
	rec, ok := result.(record.Persisted[T])
	if !ok {
		return record.Persisted[T]{}, Permanent("get "+b.name, errors.New("unexpected breaker result type"))
	}
	return rec, nil
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
