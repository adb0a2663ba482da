package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedMessage matches every MalformedMessageError via errors.Is.
var ErrMalformedMessage = errors.New("malformed message")

// Error reports a failed delivery request: the request never completed, or
// the backend answered with a non-success status.
type Error struct {
	Transport string

	// StatusCode is the backend's HTTP status, or 0 when no response was
	// received.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s transport: request failed: %v", e.Transport, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s transport: backend returned HTTP %d", e.Transport, e.StatusCode)
	}
	return fmt.Sprintf("%s transport: backend returned HTTP %d: %v", e.Transport, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether resending the same message cannot succeed.
// Client errors are permanent except for 408 and 429.
func (e *Error) Permanent() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return false
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return true
	default:
		return false
	}
}

// MalformedMessageError is returned before any I/O when a message lacks a
// field the backend requires.
type MalformedMessageError struct {
	Field string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: missing %s", e.Field)
}

func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}
