package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the referenced entity (usually an order id) does not
// exist on the backend.
var ErrNotFound = errors.New("not found")

// AuthError indicates the backend rejected the configured credentials. It is
// never transient: the adapter stops reconnecting once it sees one.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("backend authentication failed (code %d): %s", e.Code, e.Message)
}

// CallError describes a failed backend call. Op names the logical operation,
// Code carries the backend envelope code or HTTP status, and Transient marks
// failures that a read-only caller may retry once.
type CallError struct {
	Op        string
	Code      int
	Message   string
	Transient bool
	Err       error
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend call %s failed (code %d): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("backend call %s failed (code %d)", e.Op, e.Code)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsTransient reports whether err represents a failure that may succeed on
// immediate retry (network hiccups, 5xx, throttling).
func IsTransient(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
