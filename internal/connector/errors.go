package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches every UnavailableError via errors.Is.
	ErrUnavailable = errors.New("connector unavailable")
	// ErrDuplicate is returned when a connector name is already registered.
	ErrDuplicate = errors.New("connector already registered")
	// ErrNotFound is returned for an unknown connector name.
	ErrNotFound = errors.New("connector not found")
)

// UnavailableError reports a call that was refused by the circuit, made
// without a client, or failed at the transport or server level. Every such
// failure except a refused call is recorded against the circuit.
type UnavailableError struct {
	Connector string
	Reason    string
	Err       error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connector %q unavailable: %s: %v", e.Connector, e.Reason, e.Err)
	}
	return fmt.Sprintf("connector %q unavailable: %s", e.Connector, e.Reason)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// StatusError carries a 5xx response that was counted as a failure.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d", e.StatusCode)
}
