//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"bluetooth-serial/internal/bterr"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/radio"
	"bluetooth-serial/internal/session"
)

var (
	okColor   = color.New(color.FgGreen)
	busyColor = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
)

func radioStatusCommand(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return exitError(err)
	}
	defer rt.Close()
	ctx, cancel := signalContext()
	defer cancel()

	rc, err := rt.radio(ctx)
	if err != nil {
		return exitError(err)
	}
	printRadio(rt.cfg.Adapter, rc.CurrentState())
	return nil
}

func radioSetCommand(on bool) func(*cli.Context) error {
	return func(c *cli.Context) error {
		rt, err := setup(c)
		if err != nil {
			return exitError(err)
		}
		defer rt.Close()
		ctx, cancel := signalContext()
		defer cancel()

		rc, err := rt.radio(ctx)
		if err != nil {
			return exitError(err)
		}
		st, err := rc.SetEnabled(ctx, on)
		if err != nil {
			return exitError(err)
		}
		printRadio(rt.cfg.Adapter, st)
		return nil
	}
}

func printRadio(adapter string, st radio.State) {
	if st == radio.Enabled {
		okColor.Printf("%s: %v\n", adapter, st)
		return
	}
	warnColor.Printf("%s: %v\n", adapter, st)
}

func scanCommand(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return exitError(err)
	}
	defer rt.Close()
	ctx, cancel := signalContext()
	defer cancel()

	devs, err := scan(ctx, rt.mgr, c.Duration("timeout"))
	if err != nil {
		return exitError(err)
	}
	if len(devs) == 0 {
		fmt.Println("no SPP devices found")
		return nil
	}
	printDevices(devs)
	return nil
}

func scan(ctx context.Context, mgr connmgr.Mgr, d time.Duration) ([]connmgr.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return mgr.ScanSPP(ctx)
}

func printDevices(devs []connmgr.Device) {
	for i, d := range devs {
		fmt.Printf("[%d] %s  path=%s\n", i, d, d.Path)
	}
}

func sendCommand(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return exitError(err)
	}
	defer rt.Close()
	ctx, cancel := signalContext()
	defer cancel()

	rc, err := rt.radio(ctx)
	if err != nil {
		return exitError(err)
	}
	if rc.CurrentState() != radio.Enabled && c.Bool("enable") {
		if _, err := rc.SetEnabled(ctx, true); err != nil {
			return exitError(err)
		}
	}

	dev, err := pickDevice(ctx, rt, c.String("device"), c.Duration("scan-timeout"))
	if err != nil {
		return exitError(err)
	}

	s := session.New(rc, rt.dialer(), session.WithLogger(rt.log.With(zap.String("peer", dev.String()))))
	defer func() {
		_ = s.Disconnect()
		for e := range s.Events() {
			printEvent(e)
		}
	}()

	connectCtx := ctx
	if d := time.Duration(rt.cfg.Transport.ConnectTimeout); d > 0 {
		var cancelConnect context.CancelFunc
		connectCtx, cancelConnect = context.WithTimeout(ctx, d)
		defer cancelConnect()
	}
	fmt.Printf("connecting to %s\n", dev)
	if err := s.Connect(connectCtx, dev); err != nil {
		return exitError(err)
	}
	if err := awaitSettled(ctx, s); err != nil {
		return exitError(err)
	}

	if args := c.Args(); len(args) > 0 {
		return exitError(sendOne(ctx, s, strings.Join(args, " ")))
	}

	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		err := sendOne(ctx, s, lines.Text())
		if errors.Is(err, bterr.ErrInvalidMessage) {
			warnColor.Fprintf(os.Stderr, "skipped: %v\n", err)
			continue
		}
		if err != nil {
			return exitError(err)
		}
	}
	return exitError(lines.Err())
}

// sendOne sends msg and waits until the transfer resolved.
func sendOne(ctx context.Context, s *session.Session, msg string) error {
	if err := s.SendString(msg); err != nil {
		return err
	}
	return awaitSettled(ctx, s)
}

// awaitSettled prints events until the session is Ready again or terminal.
// Disconnected is returned as its reason, with the cause attached.
func awaitSettled(ctx context.Context, s *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-s.Events():
			if !ok {
				return s.Reason()
			}
			printEvent(e)
			switch e.To {
			case session.Ready:
				return nil
			case session.Disconnected:
				if e.Err != nil {
					return e.Err
				}
				return e.Reason
			}
		}
	}
}

func printEvent(e session.Event) {
	switch e.To {
	case session.Ready:
		okColor.Println(e)
	case session.Disconnected:
		if errors.Is(e.Reason, bterr.ErrUserRequested) {
			warnColor.Println(e)
			return
		}
		failColor.Println(e)
	default:
		busyColor.Println(e)
	}
}

func pickDevice(ctx context.Context, rt *runtime, ref string, scanFor time.Duration) (connmgr.Device, error) {
	if ref != "" {
		return connmgr.DeviceFor(rt.cfg.Adapter, ref), nil
	}
	fmt.Println("Scanning for SPP devices to choose...")
	devs, err := scan(ctx, rt.mgr, scanFor)
	if err != nil {
		return connmgr.Device{}, err
	}
	if len(devs) == 0 {
		return connmgr.Device{}, bterr.New("btserial.pick", bterr.ErrInvalidPeer, errors.New("no SPP devices found"))
	}
	printDevices(devs)
	fmt.Print("Choose index: ")
	return devs[readIndex(os.Stdin, len(devs))], nil
}

func readIndex(in io.Reader, n int) int {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadString('\n')
		i, perr := strconv.Atoi(strings.TrimSpace(line))
		if perr == nil && i >= 0 && i < n {
			return i
		}
		if err != nil {
			return 0
		}
		fmt.Printf("enter 0..%d: ", n-1)
	}
}

func listenCommand(c *cli.Context) error {
	rt, err := setup(c)
	if err != nil {
		return exitError(err)
	}
	defer rt.Close()
	ctx, cancel := signalContext()
	defer cancel()

	name := rt.cfg.Server.ServiceName
	if err := rt.mgr.StartServer(ctx, connmgr.ServerOptions{ServiceName: name}); err != nil {
		return exitError(err)
	}
	rt.log.Info("SPP server started", zap.String("name", name), zap.Uint8("channel", connmgr.DefaultRFCOMMChannel))
	fmt.Printf("waiting for a connection on %q (Ctrl-C to stop)\n", name)

	fd, peer, err := rt.mgr.Accept(ctx)
	if err != nil {
		return exitError(err)
	}
	f := os.NewFile(uintptr(fd), "rfcomm")
	defer f.Close()
	okColor.Printf("connected: %s\n", peer)

	go func() {
		<-ctx.Done()
		_ = f.Close()
	}()
	// Messages arrive unframed; print bytes as they come.
	if _, err := io.Copy(os.Stdout, f); err != nil && ctx.Err() == nil && !errors.Is(err, os.ErrClosed) {
		return exitError(err)
	}
	warnColor.Println("peer disconnected")
	return nil
}
