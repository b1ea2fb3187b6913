package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Kind:    KindState,
		Op:      "session.start",
		Message: "session is ACTIVE",
	}

	expected := "state_error: session.start: session is ACTIVE"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WrapsUnderlying(t *testing.T) {
	underlying := errors.New("connection reset")
	err := NewTransportError("transport.read", underlying)

	expected := "transport_error: transport.read: connection reset"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
	if !errors.Is(err, underlying) {
		t.Errorf("errors.Is(err, underlying) = false, want true")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: ""},
		{name: "permission", err: NewPermissionError("capture.start", errors.New("denied")), want: KindPermission},
		{name: "device", err: NewDeviceError("capture.start", errors.New("no device")), want: KindDevice},
		{name: "wrapped decode", err: fmt.Errorf("upload: %w", NewDecodeError("transcript.decode", errors.New("bad json"))), want: KindDecode},
		{name: "state", err: NewStateError("playback.play", "player not initialized"), want: KindState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

type localDecodeErr struct{}

func (localDecodeErr) Error() string { return "local" }
func (localDecodeErr) ErrorKind() ErrorKind { return KindDecode }

func TestKindOf_LocalKindedError(t *testing.T) {
	err := fmt.Errorf("frame: %w", localDecodeErr{})
	if !IsKind(err, KindDecode) {
		t.Fatalf("IsKind(decode) = false for %v", err)
	}
}

func TestErrorKind_Fatal(t *testing.T) {
	for _, k := range []ErrorKind{KindPermission, KindDevice, KindTransport} {
		if !k.Fatal() {
			t.Errorf("%s.Fatal() = false, want true", k)
		}
	}
	for _, k := range []ErrorKind{KindDecode, KindState} {
		if k.Fatal() {
			t.Errorf("%s.Fatal() = true, want false", k)
		}
	}
}
