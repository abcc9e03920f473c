// Package rex provides a Go client for the Rex mission orchestration API
// and a reconnecting subscriber for its live activity stream.
package rex

import (
	"errors"
	"fmt"
)

// Error represents an error from the Rex API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rex: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, 403) }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsInsufficientResources returns true when no crew can take the mission.
func IsInsufficientResources(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "INSUFFICIENT_RESOURCES"
}
