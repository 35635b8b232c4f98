// Package storage defines the dialect-neutral persistence contract and its
// two backends: an embedded SQLite store and a partitioned PostgreSQL store.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row is absent or belongs to another tenant.
var ErrNotFound = errors.New("not found")

// HashChainError reports a violated chain invariant: a batch whose first
// event does not extend the stored session tail, an in-batch link mismatch,
// or a self-hash that fails recomputation. The batch is rejected atomically.
type HashChainError struct {
	SessionID string
	EventID   string
	Reason    string
}

func (e *HashChainError) Error() string {
	return fmt.Sprintf("hash chain violation in session %s at event %s: %s", e.SessionID, e.EventID, e.Reason)
}

// ConflictError reports a non-idempotent collision: an existing event id with
// different content, or an event stamped for a different tenant than the one
// the operation is scoped to.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsHashChainViolation reports whether err is (or wraps) a HashChainError.
func IsHashChainViolation(err error) bool {
	var he *HashChainError
	return errors.As(err, &he)
}
