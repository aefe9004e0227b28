//go:build linux

package connmgr

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

const testDevicePath = dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")

// handedFD returns a descriptor standing in for an RFCOMM socket, plus the
// read end of a pipe that reports EOF once that descriptor is closed.
func handedFD(t *testing.T) (int, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	fd, err := unix.Dup(int(w.Fd()))
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	_ = w.Close()
	t.Cleanup(func() { _ = r.Close() })
	return fd, r
}

func fdClosed(t *testing.T, r *os.File) bool {
	t.Helper()
	if err := r.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, err := r.Read(make([]byte, 1))
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	if err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	return true
}

func TestProfileHandover(t *testing.T) {
	tests := []struct {
		name     string
		run      func(t *testing.T, p *profile, fd int)
		wantOpen bool
	}{
		{
			name: "no receiver rejects and closes",
			run: func(t *testing.T, p *profile, fd int) {
				derr := p.NewConnection(testDevicePath, dbus.UnixFD(fd), nil)
				if derr == nil || derr.Name != "org.bluez.Error.Rejected" {
					t.Fatalf("NewConnection = %v, want org.bluez.Error.Rejected", derr)
				}
			},
		},
		{
			name: "second arm refused",
			run: func(t *testing.T, p *profile, fd int) {
				ch, err := p.arm()
				if err != nil {
					t.Fatalf("arm: %v", err)
				}
				if _, err := p.arm(); err == nil {
					t.Error("second arm succeeded while the first is pending")
				}
				p.disarm(ch)
				again, err := p.arm()
				if err != nil {
					t.Fatalf("arm after disarm: %v", err)
				}
				p.disarm(again)
				// Nothing is armed any more, so the connection is refused.
				if derr := p.NewConnection(testDevicePath, dbus.UnixFD(fd), nil); derr == nil {
					t.Error("NewConnection accepted with no waiter")
				}
			},
		},
		{
			name: "delivered to armed waiter",
			run: func(t *testing.T, p *profile, fd int) {
				ch, err := p.arm()
				if err != nil {
					t.Fatalf("arm: %v", err)
				}
				if derr := p.NewConnection(testDevicePath, dbus.UnixFD(fd), nil); derr != nil {
					t.Fatalf("NewConnection: %v", derr)
				}
				select {
				case res := <-ch:
					if res.fd != fd || res.dev.MAC != "00:11:22:33:44:55" || res.dev.Path != string(testDevicePath) {
						t.Errorf("delivered %+v, want fd %d from %s", res, fd, testDevicePath)
					}
				default:
					t.Fatal("nothing delivered")
				}
			},
			wantOpen: true,
		},
		{
			name: "late delivery closed by disarm",
			run: func(t *testing.T, p *profile, fd int) {
				ch, err := p.arm()
				if err != nil {
					t.Fatalf("arm: %v", err)
				}
				if derr := p.NewConnection(testDevicePath, dbus.UnixFD(fd), nil); derr != nil {
					t.Fatalf("NewConnection: %v", derr)
				}
				p.disarm(ch)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd, r := handedFD(t)
			p := &profile{log: zaptest.NewLogger(t)}

			tt.run(t, p, fd)

			if got := !fdClosed(t, r); got != tt.wantOpen {
				t.Errorf("fd open = %v, want %v", got, tt.wantOpen)
			}
			if tt.wantOpen {
				_ = unix.Close(fd)
			}
		})
	}
}
