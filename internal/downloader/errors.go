package downloader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDestinationBusy is returned when another download already owns the destination.
	ErrDestinationBusy = errors.New("destination is already being downloaded")
	// ErrJobNotFound is returned by job controls for unknown asset keys.
	ErrJobNotFound = errors.New("download job not found")
)

// CandidateFailure records why one candidate did not produce the file.
type CandidateFailure struct {
	Source string
	URL    string
	Err    error
}

// AllSourcesFailedError is returned when every candidate of an asset failed.
type AllSourcesFailedError struct {
	Asset    string
	Failures []CandidateFailure
}

func (e *AllSourcesFailedError) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s: %v", f.Source, f.Err))
	}

	return "all sources failed: " + strings.Join(reasons, "; ")
}

// Unwrap exposes every candidate error to errors.Is and errors.As.
func (e *AllSourcesFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	return errs
}
