package services

import (
	"errors"
	"fmt"

	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

var (
	// ErrNotFound is returned when an entity is absent or belongs to another
	// tenant.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthenticated is returned for a missing, malformed, unknown or
	// revoked credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the credential lacks the required scope.
	ErrForbidden = errors.New("insufficient scope")

	// ErrConflict is returned for non-idempotent collisions: a broken hash
	// chain, a tenant mismatch, or a duplicate id with different content.
	ErrConflict = errors.New("conflict")

	// ErrQuotaExceeded is returned when a tenant hits its stored-event quota.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRateLimited is returned when ingress is throttled.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable is returned on transient backend failure.
	ErrUnavailable = errors.New("temporarily unavailable")
)

// mapStorageError folds storage-layer failures into the service taxonomy,
// preserving the original message in the chain.
func mapStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case storage.IsConflict(err), storage.IsHashChainViolation(err):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}

// invalid wraps a validation failure so it surfaces as a 400.
func invalid(err error) error {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, verr)
	}
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}
