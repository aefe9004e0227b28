//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/connmgr"
)

// BlueZDialer connects through the BlueZ profile manager.
type BlueZDialer struct {
	Mgr connmgr.Mgr
	Log *zap.Logger
}

func (d *BlueZDialer) Dial(ctx context.Context, peer connmgr.Device) (Conn, error) {
	fd, err := d.Mgr.Connect(ctx, peer)
	if err != nil {
		return nil, err
	}
	// bluetoothd hands the socket over in blocking mode.
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: set nonblocking on %s: %w", peer.MAC, err)
	}
	if d.Log != nil {
		d.Log.Debug("transport: bluez stream ready", zap.String("peer", peer.String()), zap.Int("fd", fd))
	}
	return newStream(fd, peer), nil
}

// newStream wraps a non-blocking fd. os.NewFile registers such an fd with the
// runtime poller, so Close interrupts a pending Write.
func newStream(fd int, peer connmgr.Device) Conn {
	return os.NewFile(uintptr(fd), "rfcomm:"+peer.MAC)
}
