// Package transport opens the serial byte stream to a remote device.
//
// Two dialers exist on linux: BlueZDialer lets bluetoothd resolve the Serial Port
// Profile through SDP and hands over the RFCOMM socket, RFCOMMDialer
// opens the socket itself on a known channel. Both return a Conn the caller
// exclusively owns.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"

	"bluetooth-serial/internal/bterr"
	"bluetooth-serial/internal/connmgr"
)

// SerialPortUUIDString is the well-known service class of the Serial Port Profile.
const SerialPortUUIDString = "00001101-0000-1000-8000-00805F9B34FB"

// SerialPortUUID is SerialPortUUIDString parsed.
var SerialPortUUID = uuid.MustParse(SerialPortUUIDString)

// Conn is an established byte stream to a peer. Close must unblock a
// concurrent Write.
type Conn interface {
	io.WriteCloser
}

// Dialer performs the connection handshake with a peer. Dial blocks until the
// stream is usable, the handshake fails, or ctx is done.
type Dialer interface {
	Dial(ctx context.Context, peer connmgr.Device) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, peer connmgr.Device) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, peer connmgr.Device) (Conn, error) {
	return f(ctx, peer)
}

// ParseAddress converts a textual Bluetooth address into the little-endian
// byte order the kernel expects in sockaddr_rc.
func ParseAddress(mac string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return b, bterr.New("transport.parse_address", bterr.ErrInvalidPeer, err)
	}
	if len(hw) != 6 {
		return b, bterr.New("transport.parse_address", bterr.ErrInvalidPeer, fmt.Errorf("address %q is not 48 bits", mac))
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}
