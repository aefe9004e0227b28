// Package bterr defines the reason codes shared by the radio controller and
// serial sessions.
//
// Every failure carries exactly one code. Precondition failures are returned
// synchronously and leave state untouched; asynchronous failures arrive as a
// Disconnected transition whose reason is one of these codes. UserRequested is
// not a failure but travels on the same reason channel.
package bterr

import (
	"errors"
	"fmt"
)

// Reason codes.
var (
	ErrPermissionDenied    = errors.New("PERMISSION_DENIED")
	ErrAdapterUnavailable  = errors.New("ADAPTER_UNAVAILABLE")
	ErrRadioOff            = errors.New("RADIO_OFF")
	ErrConnectFailed       = errors.New("CONNECT_FAILED")
	ErrNotReady            = errors.New("NOT_READY")
	ErrAlreadyTransferring = errors.New("ALREADY_TRANSFERRING")
	ErrInvalidMessage      = errors.New("INVALID_MESSAGE")
	ErrTransferFailed      = errors.New("TRANSFER_FAILED")
	ErrUserRequested       = errors.New("USER_REQUESTED")

	// ErrInvalidState is returned by Connect on a session that already left Idle.
	ErrInvalidState = errors.New("INVALID_STATE")
	// ErrInvalidPeer is returned by Connect when the device reference carries no address.
	ErrInvalidPeer = errors.New("INVALID_PEER")
)

var codes = []error{
	ErrPermissionDenied,
	ErrAdapterUnavailable,
	ErrRadioOff,
	ErrConnectFailed,
	ErrNotReady,
	ErrAlreadyTransferring,
	ErrInvalidMessage,
	ErrTransferFailed,
	ErrUserRequested,
	ErrInvalidState,
	ErrInvalidPeer,
}

// Error attaches a reason code to the operation that produced it and, when
// known, the underlying cause (D-Bus error, socket errno, ...).
type Error struct {
	Op   string // e.g. "session.connect"
	Code error  // one of the reason codes above
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Code, e.Err)
}

// Unwrap exposes both the code and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// New wraps cause with code. cause may be nil.
func New(op string, code, cause error) error {
	return &Error{Op: op, Code: code, Err: cause}
}

// Code returns the display string of the reason code carried by err, "" for a
// nil error and "INTERNAL" when err carries no known code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c) {
			return c.Error()
		}
	}
	return "INTERNAL"
}
