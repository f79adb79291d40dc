// Package repository defines error types that are reused across multiple
// repositories and slot stores. These sentinel values allow higher layers
// such as the reservation engine and handlers to distinguish between
// different failure scenarios. ErrStoreUnavailable wraps every transport
// failure of the shared slot store so callers can decide to retry, while
// ErrMalformedRecord marks a stored slot that violates the slot invariant.
package repository

import "errors"

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be performed because
// of conflicting state, such as marking a reserved slot as occupied.
// Handlers should translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrStoreUnavailable is returned when the slot store cannot be reached
// or does not answer within the caller's deadline. When it ends a
// conditional update the outcome is unknown: a write that reached the
// store before the deadline may still have been applied.
var ErrStoreUnavailable = errors.New("slot store unavailable")

// ErrMalformedRecord is returned when a stored slot record cannot be
// decoded or violates the slot invariant.
var ErrMalformedRecord = errors.New("malformed slot record")

// ErrSlotNotFound is returned when an operation names a slot that was
// never provisioned.
var ErrSlotNotFound = errors.New("slot not found")

// ErrTooManyRetries is returned when a conditional update keeps losing
// the optimistic race. It wraps ErrStoreUnavailable.
var ErrTooManyRetries = errors.Join(ErrStoreUnavailable, errors.New("conditional update retries exhausted"))
