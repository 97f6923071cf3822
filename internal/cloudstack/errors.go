package cloudstack

import (
	"errors"
	"fmt"
	"strings"

	"csdriver/internal/errdefs"
)

// ErrNotFound is returned by lookups that match nothing.
var ErrNotFound = errors.New("resource not found")

// APIError is a synchronous error response from the management server.
type APIError struct {
	Command string
	Code    int
	CSCode  int
	Text    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed (%d/%d): %s", e.Command, e.Code, e.CSCode, e.Text)
}

var notFoundMarkers = []string{
	"does not exist",
	"not found",
	"unable to find",
	"could not find",
}

// IsNotFound reports whether err means the referenced resource is already
// gone. Teardown treats this as success.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 431 is the provider's answer to an id it no longer knows.
		return apiErr.Code == 404 || apiErr.Code == 431 || hasNotFoundText(apiErr.Text)
	}

	var jobErr *errdefs.JobFailedError
	if errors.As(err, &jobErr) {
		return hasNotFoundText(jobErr.Text)
	}
	return false
}

func hasNotFoundText(text string) bool {
	text = strings.ToLower(text)
	for _, m := range notFoundMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
