// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"

	"chainsync/internal/models"
)

// Standard sentinel errors
var (
	// ErrNotFound means a query matched no instrument.
	ErrNotFound = errors.New("instrument not found")
	// ErrUnavailable means the upstream has no live chain. It is an
	// expected state, not a failure.
	ErrUnavailable = errors.New("no live option chain available")
	// ErrTransportFailure covers network, status and decode failures.
	ErrTransportFailure = errors.New("transport failure")
	// ErrConnectionLost means the push channel closed unexpectedly.
	ErrConnectionLost = errors.New("stream connection lost")
	// ErrInvalidTarget means a stream target could not be built.
	ErrInvalidTarget = errors.New("invalid stream target")
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrClosed        = errors.New("already closed")
)

// FetchError represents a failed request to the dashboard API.
type FetchError struct {
	Op     string
	Target string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch error [%s] %s: status %d: %v", e.Op, e.Target, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch error [%s] %s: %v", e.Op, e.Target, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets every FetchError match ErrTransportFailure unless it wraps one of
// the expected outcomes.
func (e *FetchError) Is(target error) bool {
	if target != ErrTransportFailure {
		return false
	}
	return !errors.Is(e.Err, ErrNotFound) && !errors.Is(e.Err, ErrUnavailable)
}

// NewFetchError creates a new FetchError.
func NewFetchError(op, target string, status int, err error) *FetchError {
	return &FetchError{
		Op:     op,
		Target: target,
		Status: status,
		Err:    err,
	}
}

// StreamError represents a push channel failure.
type StreamError struct {
	HandleID string
	Target   string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error [%s] %s: %v", e.HandleID, e.Target, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError creates a new StreamError.
func NewStreamError(handleID, target string, err error) *StreamError {
	return &StreamError{
		HandleID: handleID,
		Target:   target,
		Err:      err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Kind classifies err into the failure taxonomy the read model exposes.
// Unrecognised errors are treated as transport failures.
func Kind(err error) models.ErrorKind {
	switch {
	case err == nil:
		return models.ErrorNone
	case errors.Is(err, ErrNotFound):
		return models.ErrorNotFound
	case errors.Is(err, ErrUnavailable):
		return models.ErrorUnavailable
	case errors.Is(err, ErrConnectionLost):
		return models.ErrorConnectionLost
	default:
		return models.ErrorTransportFailure
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
