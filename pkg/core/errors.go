package core

import (
	"errors"
	"fmt"
)

// Error is the error type shared by the call core's components.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Op      string    `json:"op,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind categorizes errors.
type ErrorKind string

const (
	// KindPermission means device access was denied. Fatal to starting a session.
	KindPermission ErrorKind = "permission_error"
	// KindDevice means an audio device is missing, busy or disconnected.
	KindDevice ErrorKind = "device_error"
	// KindTransport means the agent connection dropped or violated the protocol.
	KindTransport ErrorKind = "transport_error"
	// KindDecode means a single inbound item was malformed and skipped.
	KindDecode ErrorKind = "decode_error"
	// KindState means an operation was invalid for the current state.
	KindState ErrorKind = "state_error"
)

// Fatal reports whether errors of this kind end the affected session or pipeline.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindPermission, KindDevice, KindTransport:
		return true
	default:
		return false
	}
}

// NewPermissionError creates a permission error.
func NewPermissionError(op string, err error) *Error {
	return &Error{Kind: KindPermission, Op: op, Err: err}
}

// NewDeviceError creates a device error.
func NewDeviceError(op string, err error) *Error {
	return &Error{Kind: KindDevice, Op: op, Err: err}
}

// NewTransportError creates a transport error.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewDecodeError creates a decode error.
func NewDecodeError(op string, err error) *Error {
	return &Error{Kind: KindDecode, Op: op, Err: err}
}

// NewStateError creates a state error with a formatted message.
func NewStateError(op, format string, args ...any) *Error {
	return &Error{Kind: KindState, Op: op, Message: fmt.Sprintf(format, args...)}
}

// kinded is implemented by package-local error types (for example
// protocol.DecodeError) that belong to the taxonomy without being *Error.
type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf returns the kind of the first classified error in err's chain, or ""
// when err is nil or unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
