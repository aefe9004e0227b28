package bterr

import (
	"errors"
	"io"
	"testing"
)

func TestErrorMatchesCodeAndCause(t *testing.T) {
	err := New("session.send", ErrTransferFailed, io.ErrClosedPipe)

	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("expected errors.Is(err, ErrTransferFailed)")
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected errors.Is(err, io.ErrClosedPipe)")
	}
	if errors.Is(err, ErrConnectFailed) {
		t.Errorf("unexpected match with ErrConnectFailed")
	}
	want := "session.send: TRANSFER_FAILED: io: read/write on closed pipe"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := New("radio.set_enabled", ErrPermissionDenied, nil)
	if got, want := err.Error(), "radio.set_enabled: PERMISSION_DENIED"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"bare sentinel", ErrRadioOff, "RADIO_OFF"},
		{"wrapped", New("op", ErrNotReady, nil), "NOT_READY"},
		{"double wrapped", errors.Join(errors.New("ctx"), New("op", ErrInvalidPeer, nil)), "INVALID_PEER"},
		{"unknown", errors.New("boom"), "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}
