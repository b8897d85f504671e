package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id has no row.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUserNotFound is returned when a user id has no row.
	ErrUserNotFound = errors.New("user not found")
)

// PolicyLookupError reports that the blocked-zone set for a client could not
// be determined. Callers treat it as "allow": resolution keeps working while
// the policy store is unavailable.
type PolicyLookupError struct {
	Client string
	Err    error
}

func (e *PolicyLookupError) Error() string {
	return fmt.Sprintf("policy lookup for client %s: %v", e.Client, e.Err)
}

func (e *PolicyLookupError) Unwrap() error { return e.Err }
