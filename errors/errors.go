// Package errors provides error handling for Borgitory.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Mark associates an error with a reference sentinel so errors.Is matches
// the sentinel while the original cause remains inspectable.
var Mark = crdb.Mark

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Common sentinel errors for use across the engine.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrQueueFull indicates the admission backlog cap was reached
	ErrQueueFull = New("queue full")

	// ErrAlreadyTerminal indicates a state transition on a finished job
	ErrAlreadyTerminal = New("job already terminal")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = New("timeout")

	// ErrInterrupted marks rows swept at startup after an unclean shutdown
	ErrInterrupted = New("interrupted")

	// ErrSpawn indicates a child process could not be started
	ErrSpawn = New("spawn failed")

	// ErrConflict indicates a resource conflict (e.g., duplicate name)
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsQueueFullError checks if an error is or wraps ErrQueueFull
func IsQueueFullError(err error) bool {
	return err != nil && Is(err, ErrQueueFull)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
