package room

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrMissingCredentials is returned by Start when name or passcode is empty.
	ErrMissingCredentials = errors.New("name and passcode are required")
	// ErrNotConnected is returned by in-call operations outside a call.
	ErrNotConnected = errors.New("not connected")
)

// TransportError wraps a failure reported by the real-time transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError is returned when a chat message could not be delivered.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return "send failed"
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }
