// Package darwin provides a Go client for the Darwin agent-pool API.
package darwin

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the Darwin API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("darwin: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsConflict returns true for any 409, including capacity rejections.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsCapacityExceeded returns true when a spawn was rejected because the pool
// is full.
func IsCapacityExceeded(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "CAPACITY_EXCEEDED"
}
