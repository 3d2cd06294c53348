package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed failure from the booking service. Transport-level
// failures and 5xx responses are retriable; 4xx responses are terminal and
// must surface to the user without retry.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	transport  bool
}

func (e *Error) Error() string {
	if e.transport {
		return fmt.Sprintf("backend: transport failure: %s", e.Message)
	}
	return fmt.Sprintf("backend: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retriable satisfies retry.Retriable.
func (e *Error) Retriable() bool {
	if e.transport {
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

// Conflict reports whether the failure was a state conflict (already booked,
// already cancelled). Conflicts are terminal.
func (e *Error) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// ErrNotFound marks lookups that matched nothing.
var ErrNotFound = errors.New("backend: not found")

func transportError(err error) *Error {
	return &Error{Message: err.Error(), transport: true}
}
