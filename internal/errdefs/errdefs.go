// Package errdefs holds the error taxonomy shared by the lifecycle
// components. Callers inspect these with errors.Is and errors.As.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a wait loop exhausts its budget. A caller may
// choose to destroy and retry when it sees this.
var ErrTimeout = errors.New("timed out")

// ConfigError reports a missing or invalid option that cannot be resolved.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %q: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigError.
func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// JobFailedError carries a provider-side async job failure. The text is the
// provider's errortext, verbatim.
type JobFailedError struct {
	JobID string
	Code  int
	Text  string
}

func (e *JobFailedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("job %s failed (%d): %s", e.JobID, e.Code, e.Text)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Text)
}

// TransientError wraps a connectivity failure that is retried internally.
// Class names the classification the retry loop applied.
type TransientError struct {
	Class string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Class, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Timeout wraps the last observed error with ErrTimeout so that both
// errors.Is(err, ErrTimeout) and the underlying cause are available.
func Timeout(what string, last error) error {
	if last == nil {
		return fmt.Errorf("%w waiting for %s", ErrTimeout, what)
	}
	return fmt.Errorf("%w waiting for %s: %w", ErrTimeout, what, last)
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsJobFailed reports whether err is a JobFailedError.
func IsJobFailed(err error) bool {
	var je *JobFailedError
	return errors.As(err, &je)
}
