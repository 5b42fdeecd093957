package transfer

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when a transfer stops because its context or
// Control was cancelled. The partial file is kept.
var ErrCancelled = errors.New("transfer cancelled")

// NetworkError represents transport failures: refused or reset connections,
// timeouts and unexpected HTTP statuses. The partial file is kept so another
// source can resume it.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "request", "read")
	URL        string // The URL being fetched
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IntegrityError represents content that failed verification: a wrong byte
// count, a digest mismatch or a source that disagrees about the size. The
// partial file has already been deleted when it is returned.
type IntegrityError struct {
	Path     string // The destination being written
	Reason   string // Human-readable explanation
	Expected string // Expected size or digest, if applicable
	Actual   string // Observed size or digest, if applicable
	Err      error  // Underlying error, if any
}

func (e *IntegrityError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("integrity check failed for %s: %s (expected %s, got %s)", e.Path, e.Reason, e.Expected, e.Actual)
	}

	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
