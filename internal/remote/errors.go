// Medisync - Offline-First Pharmacy Synchronization Engine
// Copyright 2026 Apothecary Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apothecarylabs/medisync

package remote

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures so callers can branch on data instead of
// string matching. The kind decides retry eligibility:
//
//   - KindTransient: retried with exponential backoff up to maxRetries.
//   - KindPermanent: the remote rejected the payload; the operation is
//     marked permanently failed without consuming retry budget.
//   - KindNotFound:  on delete/update this is treated as already applied.
//   - KindConflict:  version mismatch, resolved last-write-wins.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindNotFound
	KindConflict
)

// String returns the kind's wire/log name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "create prescription"
	Err  error  // underlying cause, may be nil for synthesized errors
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient builds a retryable error.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent builds a non-retryable validation error.
func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// NotFound builds a not-found error.
func NotFound(op string) *Error {
	return &Error{Kind: KindNotFound, Op: op}
}

// Conflict builds a version-mismatch error.
func Conflict(op string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

// KindOf extracts the failure kind from err. Unclassified errors are
// reported as transient: an ambiguous failure (timeout after the write may
// have landed) must stay retryable, and remote operations are idempotent.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsConflict reports whether err carries KindConflict.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// Retryable reports whether err should consume retry budget and be retried.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// classifyTransportErr maps transport-level failures. Timeouts, connection
// resets and canceled contexts are all transient: the request may or may not
// have landed, and idempotent replay sorts it out.
func classifyTransportErr(op string, err error) *Error {
	return Transient(op, err)
}
