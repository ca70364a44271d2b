// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the structured error taxonomy shared by the
// ClusterRunner master and slave.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies one of the error kinds in the ClusterRunner taxonomy.
type ErrorCode string

const (
	// ErrorCodeBadRequest covers ill-formed input: unknown slave states,
	// missing/both keys on get_slave, invalid build update payloads.
	ErrorCodeBadRequest ErrorCode = "BAD_REQUEST"

	// ErrorCodeItemNotFound covers unknown build_id, slave_id, or slave_url.
	ErrorCodeItemNotFound ErrorCode = "ITEM_NOT_FOUND"

	// ErrorCodePreconditionFailed covers state-machine-illegal transitions.
	ErrorCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"

	// ErrorCodeRemoteExecution covers non-retryable slave failures (setup
	// or teardown failed outright).
	ErrorCodeRemoteExecution ErrorCode = "REMOTE_EXECUTION_ERROR"

	// ErrorCodeTransientIO covers broken pipe / timeout talking to a slave.
	ErrorCodeTransientIO ErrorCode = "TRANSIENT_IO_ERROR"

	// ErrorCodeAtomExitNonZero covers a single atom's non-zero exit; it
	// never terminates a build.
	ErrorCodeAtomExitNonZero ErrorCode = "ATOM_EXIT_NON_ZERO"

	// ErrorCodeAtomizerFailed covers a generator command exiting non-zero
	// during atomization.
	ErrorCodeAtomizerFailed ErrorCode = "ATOMIZER_ERROR"

	// ErrorCodeUnknown is the fallback for unclassified errors.
	ErrorCodeUnknown ErrorCode = "UNKNOWN"
)

// ErrorCategory groups related error codes for coarse-grained handling.
type ErrorCategory string

const (
	CategoryRequest   ErrorCategory = "REQUEST"
	CategoryResource  ErrorCategory = "RESOURCE"
	CategoryStateMach ErrorCategory = "STATE_MACHINE"
	CategoryTransport ErrorCategory = "TRANSPORT"
	CategoryExecution ErrorCategory = "EXECUTION"
	CategoryUnknown   ErrorCategory = "UNKNOWN"
)

// ClusterError is the structured error type returned by every core
// ClusterRunner operation.
type ClusterError struct {
	Code       ErrorCode     `json:"code"`
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	StatusCode int           `json:"status_code,omitempty"`
	Retryable  bool          `json:"retryable"`
	Cause      error         `json:"-"`
}

// Error implements the error interface.
func (e *ClusterError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ClusterError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ClusterError with the same Code.
func (e *ClusterError) Is(target error) bool {
	if t, ok := target.(*ClusterError); ok {
		return e.Code == t.Code
	}
	return false
}

// IsRetryable reports whether the failed operation may be retried.
func (e *ClusterError) IsRetryable() bool {
	return e.Retryable
}

// New creates a ClusterError with no underlying cause.
func New(code ErrorCode, message string) *ClusterError {
	return &ClusterError{
		Code:      code,
		Category:  categoryFor(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a ClusterError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ClusterError {
	return New(code, fmt.Sprintf(format, args...))
}

// WithCause creates a ClusterError wrapping an underlying cause.
func WithCause(code ErrorCode, message string, cause error) *ClusterError {
	err := New(code, message)
	err.Cause = cause
	return err
}

// BadRequest creates an ErrorCodeBadRequest error.
func BadRequest(format string, args ...interface{}) *ClusterError {
	return Newf(ErrorCodeBadRequest, format, args...)
}

// ItemNotFound creates an ErrorCodeItemNotFound error.
func ItemNotFound(format string, args ...interface{}) *ClusterError {
	return Newf(ErrorCodeItemNotFound, format, args...)
}

// PreconditionFailed creates an ErrorCodePreconditionFailed error.
func PreconditionFailed(format string, args ...interface{}) *ClusterError {
	return Newf(ErrorCodePreconditionFailed, format, args...)
}

// RemoteExecutionError creates a non-retryable remote-execution error.
func RemoteExecutionError(cause error, format string, args ...interface{}) *ClusterError {
	return WithCause(ErrorCodeRemoteExecution, fmt.Sprintf(format, args...), cause)
}

// TransientIOError creates a retryable transport error.
func TransientIOError(cause error, format string, args ...interface{}) *ClusterError {
	return WithCause(ErrorCodeTransientIO, fmt.Sprintf(format, args...), cause)
}

// AtomExitNonZero creates an error describing a single failed atom. This
// never terminates a build; it is recorded, not propagated as fatal.
func AtomExitNonZero(atomID int, exitCode int) *ClusterError {
	err := Newf(ErrorCodeAtomExitNonZero, "atom %d exited with code %d", atomID, exitCode)
	err.Retryable = false
	return err
}

// HTTPStatus maps an ErrorCode to the HTTP status code the master/slave
// HTTP surfaces should respond with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorCodeBadRequest:
		return http.StatusBadRequest
	case ErrorCodeItemNotFound:
		return http.StatusNotFound
	case ErrorCodePreconditionFailed:
		return http.StatusConflict
	case ErrorCodeRemoteExecution:
		return http.StatusBadGateway
	case ErrorCodeTransientIO:
		return http.StatusServiceUnavailable
	case ErrorCodeAtomizerFailed:
		return http.StatusUnprocessableEntity
	case ErrorCodeAtomExitNonZero:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func categoryFor(code ErrorCode) ErrorCategory {
	switch code {
	case ErrorCodeBadRequest:
		return CategoryRequest
	case ErrorCodeItemNotFound:
		return CategoryResource
	case ErrorCodePreconditionFailed:
		return CategoryStateMach
	case ErrorCodeRemoteExecution, ErrorCodeTransientIO:
		return CategoryTransport
	case ErrorCodeAtomExitNonZero, ErrorCodeAtomizerFailed:
		return CategoryExecution
	default:
		return CategoryUnknown
	}
}

func retryableByDefault(code ErrorCode) bool {
	return code == ErrorCodeTransientIO
}
