// Package errs defines the error classes shared across the relay pipeline.
// Each class wraps a containerd/errdefs kind so callers can classify errors
// with either errors.Is(err, errs.ErrX) or the errdefs.IsX helpers.
package errs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrValidation marks malformed identifiers or payloads. No side effects happened.
	ErrValidation = fmt.Errorf("validation error: %w", errdefs.ErrInvalidArgument)
	// ErrAuthentication marks an inbound payload whose signature could not be verified.
	ErrAuthentication = fmt.Errorf("authentication error: %w", errdefs.ErrUnauthenticated)
	// ErrForbidden marks an authenticated caller acting outside its memberships.
	ErrForbidden = fmt.Errorf("forbidden: %w", errdefs.ErrPermissionDenied)
	// ErrNotFound marks a missing entity.
	ErrNotFound = fmt.Errorf("not found: %w", errdefs.ErrNotFound)
	// ErrStorage marks an attachment persistence failure.
	ErrStorage = fmt.Errorf("storage error: %w", errdefs.ErrUnavailable)
	// ErrConflict marks a transient uniqueness race. Resolvers retry it internally.
	ErrConflict = fmt.Errorf("conflict error: %w", errdefs.ErrConflict)
	// ErrDelivery marks a per-target send failure. It never leaves the dispatcher.
	ErrDelivery = fmt.Errorf("delivery error: %w", errdefs.ErrUnavailable)
	// ErrConfiguration marks missing or invalid startup configuration.
	ErrConfiguration = fmt.Errorf("configuration error: %w", errdefs.ErrFailedPrecondition)
)

func wrap(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))
}

// Validation returns an ErrValidation with a formatted detail.
func Validation(format string, args ...any) error { return wrap(ErrValidation, format, args...) }

// Authentication returns an ErrAuthentication with a formatted detail.
func Authentication(format string, args ...any) error { return wrap(ErrAuthentication, format, args...) }

// Forbidden returns an ErrForbidden with a formatted detail.
func Forbidden(format string, args ...any) error { return wrap(ErrForbidden, format, args...) }

// NotFound returns an ErrNotFound with a formatted detail.
func NotFound(format string, args ...any) error { return wrap(ErrNotFound, format, args...) }

// Configuration returns an ErrConfiguration with a formatted detail.
func Configuration(format string, args ...any) error { return wrap(ErrConfiguration, format, args...) }

// Storage wraps cause as an ErrStorage, keeping cause reachable through errors.Is/As.
func Storage(op string, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrStorage) {
		return cause
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, cause)
}

// Conflict wraps cause as an ErrConflict.
func Conflict(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrConflict, op, cause)
}

// Delivery wraps cause as an ErrDelivery.
func Delivery(target string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: target %s: %w", ErrDelivery, target, cause)
}
