package gpib

import (
	"errors"
	"strconv"
)

var (
	// ErrInvalidAddress indicates that a bus address outside the valid
	// range [1, 30] was provided.
	ErrInvalidAddress = errors.New("invalid bus address, should be in range of [1, 30]")

	// ErrConnClosed indicates that the connection is closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected indicates that an operation was attempted before the
	// connection to the controller was established.
	ErrNotConnected = errors.New("not connected")

	// ErrConnFaulted indicates that the connection is in the faulted state
	// and requires an explicit reconnect before further transactions.
	ErrConnFaulted = errors.New("connection faulted, reconnect required")

	// ErrTimeout indicates that no response arrived within the configured
	// read timeout window. The transaction is aborted; the caller may
	// retry after reconnecting.
	ErrTimeout = errors.New("read timeout")

	// ErrNoController indicates that a discovery probe found no controller
	// on any local network segment.
	ErrNoController = errors.New("no controller found")
)

var (
	// ErrInvalidTransition is returned when an attempt is made to transition
	// the connection state to an invalid state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConfigNil indicates that a nil connection configuration was provided.
	ErrConfigNil = errors.New("connection config is nil")
)

// StatusError represents a negative status code reported by a controller
// adapter for a transaction. The raw code is preserved for the caller;
// the transport never retries on its own because a blindly retried bus
// transaction can desynchronize the adapter state.
type StatusError struct {
	// Code is the raw status code reported by the adapter. Always negative.
	Code int
	// Op names the transaction that failed, e.g. "write" or "save-file".
	Op string
}

func (e *StatusError) Error() string {
	return "gpib: " + e.Op + " failed with adapter status " + strconv.Itoa(e.Code)
}

// AsStatusError unwraps err as a *StatusError, returning nil if err does
// not carry one.
func AsStatusError(err error) *StatusError {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr
	}
	return nil
}
