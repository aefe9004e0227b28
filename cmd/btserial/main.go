//go:build linux

// btserial toggles the Bluetooth radio and sends text to a device over the
// Serial Port Profile.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Powering the adapter and registering profiles usually needs root or
//     membership in the bluetooth group.
//
// Examples
//
//	btserial radio on
//	btserial scan --timeout 10s
//	btserial send --device 00:11:22:33:44:55 hello
//	echo -e "one\ntwo" | btserial send --device 00:11:22:33:44:55
//	btserial listen            (on the receiving machine)
//
// Configuration is read from --config or BTSERIAL_CONFIG (YAML), then
// BTSERIAL_* environment variables. Ctrl-C cancels the running command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"bluetooth-serial/internal/bterr"
	"bluetooth-serial/internal/config"
	"bluetooth-serial/internal/connmgr"
	"bluetooth-serial/internal/logging"
	"bluetooth-serial/internal/radio"
	"bluetooth-serial/internal/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "btserial"
	app.Usage = "send text to a Bluetooth serial (SPP) device"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to a YAML config file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "radio",
			Usage: "show or change the adapter power state",
			Subcommands: []cli.Command{
				{Name: "status", Usage: "print the adapter state", Action: radioStatusCommand},
				{Name: "on", Usage: "power the adapter on", Action: radioSetCommand(true)},
				{Name: "off", Usage: "power the adapter off", Action: radioSetCommand(false)},
			},
		},
		{
			Name:  "scan",
			Usage: "list nearby devices offering the serial port profile",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "timeout", Value: 15 * time.Second, Usage: "discovery duration"},
			},
			Action: scanCommand,
		},
		{
			Name:      "send",
			Usage:     "connect to a device and send a message, or every stdin line",
			ArgsUsage: "[message...]",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "device, d", Usage: "MAC address or BlueZ object path; scan and prompt if empty"},
				cli.BoolFlag{Name: "enable", Usage: "power the radio on first if it is off"},
				cli.DurationFlag{Name: "scan-timeout", Value: 10 * time.Second, Usage: "discovery duration when prompting"},
			},
			Action: sendCommand,
		},
		{
			Name:   "listen",
			Usage:  "register an SPP server and print what a peer sends",
			Action: listenCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles what every command needs.
type runtime struct {
	cfg *config.Config
	log *zap.Logger
	mgr connmgr.Mgr
}

func setup(c *cli.Context) (*runtime, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	mgr := connmgr.New(connmgr.Options{Adapter: cfg.Adapter, Logger: log})
	return &runtime{cfg: cfg, log: log, mgr: mgr}, nil
}

func (rt *runtime) Close() {
	if err := rt.mgr.Close(); err != nil {
		rt.log.Warn("close error", zap.Error(err))
	}
	_ = rt.log.Sync()
}

func (rt *runtime) radio(ctx context.Context) (*radio.Controller, error) {
	rc := radio.New(rt.mgr, radio.WithLogger(rt.log))
	if _, err := rc.Refresh(ctx); err != nil {
		return nil, err
	}
	return rc, nil
}

func (rt *runtime) dialer() transport.Dialer {
	if rt.cfg.Transport.Kind == config.TransportRFCOMM {
		return &transport.RFCOMMDialer{Channel: rt.cfg.Transport.Channel, Log: rt.log}
	}
	return &transport.BlueZDialer{Mgr: rt.mgr, Log: rt.log}
}

// signalContext is canceled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitError renders err with its reason code for the user.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	return cli.NewExitError(fmt.Sprintf("%s: %v", bterr.Code(err), err), 1)
}
