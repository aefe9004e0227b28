//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/bterr"
	"bluetooth-serial/internal/connmgr"
)

const (
	// DefaultRFCOMMChannel is where most SPP devices (HC-05, phones) listen.
	DefaultRFCOMMChannel uint8 = 1

	pollIntervalMs = 100
)

// RFCOMMDialer opens AF_BLUETOOTH/BTPROTO_RFCOMM sockets directly, skipping
// SDP. The connect is non-blocking and polled so ctx can abort it.
type RFCOMMDialer struct {
	Channel uint8
	Log     *zap.Logger
}

func (d *RFCOMMDialer) Dial(ctx context.Context, peer connmgr.Device) (Conn, error) {
	addr, err := ParseAddress(peer.MAC)
	if err != nil {
		return nil, err
	}
	channel := d.Channel
	if channel == 0 {
		channel = DefaultRFCOMMChannel
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, bterr.New("transport.rfcomm_socket", bterr.ErrAdapterUnavailable, err)
	}
	if err := connectNonblock(ctx, fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("transport: rfcomm connect %s channel %d: %w", peer.MAC, channel, err)
	}
	if d.Log != nil {
		d.Log.Debug("transport: rfcomm stream ready",
			zap.String("peer", peer.String()),
			zap.Uint8("channel", channel),
			zap.String("service", SerialPortUUID.String()),
		)
	}
	return newStream(fd, peer), nil
}

func connectNonblock(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(pfd, pollIntervalMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}
