// Package errors provides structured error types for the fieldsync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the failure domain it belongs to.
type Kind string

const (
	KindStorage   Kind = "STORAGE_FAILURE"
	KindTransport Kind = "TRANSPORT_FAILURE"
	KindConflict  Kind = "CONFLICT_FAILURE"
	KindInvalid   Kind = "VALIDATION_FAILURE"
)

// Op names the operation during which an error occurred, e.g. "queue.Enqueue".
type Op string

// Component names the subsystem that generated the error, e.g. "queue".
type Component string

// SyncError is the structured error type used throughout the engine.
type SyncError struct {
	// Op is the operation during which the error occurred
	Op Op

	// Component that generated the error (e.g. "queue", "scheduler")
	Component Component

	// Kind classifies the failure domain
	Kind Kind

	// Retryable reports whether retrying the same call may succeed
	Retryable bool

	// Err is the underlying error
	Err error
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}

	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a SyncError from a variadic list of arguments. Recognized types:
// Op, Component, Kind, bool (retryable), error, string (message). Later
// arguments of the same type overwrite earlier ones.
func E(args ...interface{}) *SyncError {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
			// Storage and transport failures are retryable unless overridden.
			if a == KindStorage || a == KindTransport {
				e.Retryable = true
			}
		case bool:
			e.Retryable = a
		case error:
			e.Err = a
		case string:
			e.Err = errors.New(a)
		}
	}
	return e
}

// NewStorageError creates a storage-related SyncError.
func NewStorageError(op Op, cause error) *SyncError {
	return &SyncError{Op: op, Component: "storage", Kind: KindStorage, Retryable: true, Err: cause}
}

// NewTransportError creates a transport-related SyncError.
func NewTransportError(op Op, cause error) *SyncError {
	return &SyncError{Op: op, Component: "transport", Kind: KindTransport, Retryable: true, Err: cause}
}

// NewValidationError creates a validation-related SyncError.
func NewValidationError(op Op, cause error) *SyncError {
	return &SyncError{Op: op, Kind: KindInvalid, Err: cause}
}

// New creates a plain SyncError.
func New(op Op, err error) *SyncError {
	return &SyncError{Op: op, Err: err}
}

// IsRetryable reports whether err is a SyncError marked retryable.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of err if it is a SyncError, else the empty Kind.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
