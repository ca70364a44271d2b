package config

import "errors"

var (
	// ErrMissingBaseURL is returned when the master base URL is not set
	ErrMissingBaseURL = errors.New("base URL is required")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")

	// ErrInvalidMaxRetries is returned when max retries is invalid
	ErrInvalidMaxRetries = errors.New("max retries must be greater than or equal to 0")

	// ErrMissingArtifactsDir is returned when the build artifacts directory is not set
	ErrMissingArtifactsDir = errors.New("build artifacts directory is required")
)
