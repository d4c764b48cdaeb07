package socket

import (
	"fmt"

	"github.com/pkg/errors"

	"tcpbridge/pkg/bridge"
)

var (
	ErrNotConnected     = errors.New("socket is not connected")
	ErrAlreadyConnected = errors.New("socket is already connected or connecting")
	ErrAlreadyListening = errors.New("server is already listening")
	ErrWriteAfterEnd    = errors.New("write after end")
	ErrDestroyed        = errors.New("socket has been destroyed")
	ErrClosed           = errors.New("socket closed")
)

// ValidationError rejects caller supplied options before any command is
// issued.
type ValidationError struct {
	Option string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Option, e.Value, e.Reason)
}

// StateError is returned when an operation is not legal in the socket's
// current state.
type StateError struct {
	Op    string
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (state %s)", e.Op, e.Err, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

// TransportError is a failure reported by the native side.
type TransportError struct {
	ID      bridge.ID
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("socket %d: %s", e.ID, e.Message)
}
