// Package connmgr talks to BlueZ over the system D-Bus: it powers the local
// adapter on and off, discovers devices offering the Serial Port Profile and
// prepares Unix FDs for RFCOMM SPP connections in either role.
//
// Thread-safety: all methods are safe for concurrent use. Connect and Accept
// each allow a single outstanding call at a time. Close is idempotent.
package connmgr

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22

	// DefaultAdapter is the adapter used when Options.Adapter is empty.
	DefaultAdapter = "hci0"
)

// Device is the reference to a remote peer handed out by discovery or typed in
// by the user. Either Path or MAC must be set; the other is derived when possible.
type Device struct {
	Path        string // D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC         string // Bluetooth device address
	Name        string // Device1.Name
	Alias       string // Device1.Alias
	ServiceName string // SDP ServiceName (0x0100) if available
}

// IsZero reports whether d carries no address at all.
func (d Device) IsZero() bool {
	return d.Path == "" && d.MAC == ""
}

func (d Device) String() string {
	label := d.Alias
	if label == "" {
		label = d.Name
	}
	addr := d.MAC
	if addr == "" {
		addr = d.Path
	}
	if label == "" {
		return addr
	}
	return fmt.Sprintf("%s (%s)", label, addr)
}

// DeviceFor resolves a user supplied reference, either a BlueZ object path or
// a MAC address, into a Device on the given adapter.
func DeviceFor(adapter, ref string) Device {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	if strings.HasPrefix(ref, "/") {
		return Device{Path: ref, MAC: macFromPath(ref)}
	}
	mac := strings.ToUpper(ref)
	return Device{
		Path: "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(mac, ":", "_"),
		MAC:  mac,
	}
}

func macFromPath(s string) string {
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
}

// Options configures a manager.
type Options struct {
	// Adapter is the controller name, e.g. "hci0". Empty selects DefaultAdapter.
	Adapter string
	// Logger receives D-Bus level diagnostics. Nil disables logging.
	Logger *zap.Logger
}

// Mgr is the single public interface for adapter power, discovery and connections.
// Responsibilities end at preparing FDs for the caller; reconnect is out of scope.
type Mgr interface {
	// Powered reads org.bluez.Adapter1.Powered of the configured adapter.
	// A missing adapter yields an error matching bterr.ErrAdapterUnavailable.
	Powered(ctx context.Context) (bool, error)

	// SetPowered writes org.bluez.Adapter1.Powered. Authorization failures
	// reported by BlueZ or the bus policy match bterr.ErrPermissionDenied.
	SetPowered(ctx context.Context, on bool) error

	// StartServer registers an SPP profile (Role="server") on DefaultRFCOMMChannel.
	// Calling it more than once returns an error.
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until an incoming connection is delivered or ctx is canceled.
	// The returned FD is owned by the caller; wrap it with os.NewFile and Close it.
	// Connections arriving while nobody is accepting are rejected and their FDs closed.
	Accept(ctx context.Context) (fd int, remote Device, err error)

	// ScanSPP runs discovery until ctx is done and returns the devices advertising SPPUUID.
	// Each returned Device has a non-empty Path.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Connect pairs the device if needed, calls Device1.ConnectProfile(SPPUUID) and
	// waits for Profile1.NewConnection to hand over the FD, which the caller owns.
	// Errors wrapping context.Canceled or context.DeadlineExceeded may be returned.
	Connect(ctx context.Context, dev Device) (fd int, err error)

	// Close releases D-Bus objects and the bus connection. After Close, all other
	// methods return an error.
	Close() error
}
