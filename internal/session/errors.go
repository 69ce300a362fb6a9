package session

import "errors"

// Admission errors. Each maps to exactly one HTTP status and machine code at
// the handler layer; they are never collapsed into a generic failure.
var (
	ErrInvalid       = errors.New("session token invalid")
	ErrExpired       = errors.New("session expired")
	ErrNotFound      = errors.New("session not found")
	ErrOwnerInactive = errors.New("owner inactive")
	ErrUsesExhausted = errors.New("session uses exhausted")
)
