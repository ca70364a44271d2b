// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
)

// WrapTransportError classifies an error returned from a slave HTTP call,
// turning broken pipes, timeouts, and connection resets into a retryable
// TransientIOError and everything else into a non-retryable
// RemoteExecutionError.
func WrapTransportError(err error, format string, args ...interface{}) *ClusterError {
	if err == nil {
		return nil
	}

	var clusterErr *ClusterError
	if stderrors.As(err, &clusterErr) {
		return clusterErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return TransientIOError(err, format, args...)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return TransientIOError(err, format, args...)
	}

	if isTransientNetworkText(err.Error()) {
		return TransientIOError(err, format, args...)
	}

	return RemoteExecutionError(err, format, args...)
}

func isTransientNetworkText(s string) bool {
	for _, pattern := range []string{
		"connection reset",
		"broken pipe",
		"connection refused",
		"network is unreachable",
		"EOF",
		"timeout",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err should be retried by the slave transport.
func IsRetryable(err error) bool {
	var clusterErr *ClusterError
	if stderrors.As(err, &clusterErr) {
		return clusterErr.IsRetryable()
	}
	return false
}

// Code extracts the ErrorCode from err, or ErrorCodeUnknown if err is not
// a ClusterError.
func Code(err error) ErrorCode {
	var clusterErr *ClusterError
	if stderrors.As(err, &clusterErr) {
		return clusterErr.Code
	}
	return ErrorCodeUnknown
}
