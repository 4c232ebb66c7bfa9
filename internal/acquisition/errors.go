package acquisition

import (
	"fmt"
	"strings"
)

// ValidationError represents bad caller input: a missing field, an unsupported host or a
// URL that does not reference a single video.
type ValidationError struct {
	Field  string // Request field that failed validation (e.g., "url", "format")
	Reason string // Message safe to return to the caller
	Err    error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AttemptError is the failure of one attempt configuration.
type AttemptError struct {
	Attempt string // Attempt name, e.g. "android" or "web#2"
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// AcquisitionError is returned when every attempt failed. Its message aggregates the failure
// of each attempt in the order they ran.
type AcquisitionError struct {
	URL      string
	Attempts []*AttemptError
}

func (e *AcquisitionError) Error() string {
	if len(e.Attempts) == 0 {
		return "acquisition failed: no attempt was made"
	}

	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}

	return fmt.Sprintf("all %d attempts failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *AcquisitionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}

	return errs
}
