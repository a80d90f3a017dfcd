// Package errors consolidates error definitions for the vigil backend.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors. Queries for unknown entities return empty results,
	// not these errors; they are reserved for operations that require the
	// entity to exist (metadata lookups, updates).
	ErrNotFound        = errors.New("not found")
	ErrProductNotFound = errors.New("product not found")
	ErrSensorNotFound  = errors.New("sensor not found")
	ErrBucketNotFound  = errors.New("bucket not found")
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrTicketNotFound  = errors.New("registration ticket not found")

	// Already exists errors
	ErrAlreadyExists        = errors.New("already exists")
	ErrProductAlreadyExists = errors.New("product already exists")
	ErrSensorAlreadyExists  = errors.New("sensor already exists")

	// Validation errors - the value is rejected before any state change.
	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrTypeMismatch    = errors.New("value type does not match sensor type")
	ErrInvalidTime     = errors.New("invalid timestamp")
	ErrMissingTarget   = errors.New("condition target is required")
	ErrInvalidTarget   = errors.New("invalid condition target")
	ErrUnknownProperty = errors.New("unknown condition property")

	// Storage errors - a write failure is fatal for the value being written,
	// a read failure degrades the query to healthy buckets only.
	ErrStorage        = errors.New("storage error")
	ErrBucketCorrupt  = errors.New("bucket unreadable")
	ErrBucketClosed   = errors.New("bucket is closed")
	ErrAllBucketsFail = errors.New("all candidate buckets failed")

	// State errors
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrClosed         = errors.New("closed")
	ErrQueueFull      = errors.New("ingestion queue full")

	// Concurrency conflicts are resolved internally (the losing creator
	// adopts the winner's bucket); they never cross a public API boundary.
	ErrConcurrentCreate = errors.New("concurrent bucket creation")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrSensorNotFound) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrTicketNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrProductAlreadyExists) ||
		errors.Is(err, ErrSensorAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrInvalidTime) ||
		errors.Is(err, ErrMissingTarget) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrUnknownProperty)
}

// IsStorage returns true if err is a storage-layer error.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrBucketCorrupt) ||
		errors.Is(err, ErrBucketClosed) ||
		errors.Is(err, ErrAllBucketsFail)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrConcurrentCreate)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with a message.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
