//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"bluetooth-serial/internal/bterr"
)

// New creates a new manager instance. The system bus is dialed lazily.
func New(opts Options) Mgr {
	if opts.Adapter == "" {
		opts.Adapter = DefaultAdapter
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &mgr{
		adapter:     opts.Adapter,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		log:         log.With(zap.String("adapter", opts.Adapter)),
	}
}

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

type mgr struct {
	adapter     string
	adapterPath dbus.ObjectPath
	log         *zap.Logger

	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	srvProf    *profile
	serverPath dbus.ObjectPath

	cliProf    *profile
	clientPath dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// busLocked returns the system bus, dialing it on first use.
func (m *mgr) busLocked() (*dbus.Conn, error) {
	if m.closed {
		return nil, errors.New("connmgr: closed")
	}
	if m.bus != nil {
		return m.bus, nil
	}
	c, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, bterr.New("connmgr.bus", bterr.ErrAdapterUnavailable, err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { _ = c.Close() })
	return c, nil
}

func (m *mgr) lockedBus() (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busLocked()
}

// profile implements org.bluez.Profile1 and hands NewConnection FDs to at most
// one waiting caller.
type profile struct {
	log *zap.Logger

	mu     sync.Mutex
	waiter chan acceptResult
}

type acceptResult struct {
	fd  int
	dev Device
}

func (p *profile) arm() (chan acceptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiter != nil {
		return nil, errors.New("connmgr: operation already in progress")
	}
	p.waiter = make(chan acceptResult, 1)
	return p.waiter, nil
}

// disarm stops waiting on ch and closes an FD that raced in after the caller gave up.
func (p *profile) disarm(ch chan acceptResult) {
	p.mu.Lock()
	if p.waiter == ch {
		p.waiter = nil
	}
	p.mu.Unlock()
	select {
	case res := <-ch:
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
	default:
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the FD owner decides when to close.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd:  int(fd),
		dev: Device{Path: string(dev), MAC: macFromPath(string(dev))},
	}
	p.mu.Lock()
	ch := p.waiter
	p.waiter = nil
	p.mu.Unlock()
	if ch == nil {
		p.log.Warn("connmgr: rejecting unexpected connection", zap.String("device", res.dev.Path))
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	ch <- res
	p.log.Debug("connmgr: connection delivered", zap.String("device", res.dev.Path), zap.Int("fd", res.fd))
	return nil
}

// exportProfileLocked exports a Profile1 object under a unique path and registers it with BlueZ.
func (m *mgr) exportProfileLocked(ctx context.Context, bus *dbus.Conn, role string, opts map[string]dbus.Variant) (*profile, dbus.ObjectPath, error) {
	p := &profile{log: m.log.With(zap.String("role", role))}
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_serial/connmgr/" + role + "/p" + strconv.FormatUint(id, 10))
	if err := bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, "", fmt.Errorf("connmgr: export %s profile: %w", role, err)
	}
	opts["Role"] = dbus.MakeVariant(role)
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, SPPUUID, opts); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, "", classify("connmgr.register_profile", bterr.ErrConnectFailed, call.Err)
	}
	// On close, unregister the profile before closing the bus.
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	m.log.Debug("connmgr: profile registered", zap.String("role", role), zap.String("path", string(path)))
	return p, path, nil
}

func (m *mgr) Powered(ctx context.Context) (bool, error) {
	bus, err := m.lockedBus()
	if err != nil {
		return false, err
	}
	var v dbus.Variant
	call := bus.Object(bluezService, m.adapterPath).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered")
	if call.Err != nil {
		return false, classify("connmgr.powered", bterr.ErrAdapterUnavailable, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("connmgr: decode Powered: %w", err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("connmgr: unexpected Powered type %T", v.Value())
	}
	return on, nil
}

func (m *mgr) SetPowered(ctx context.Context, on bool) error {
	bus, err := m.lockedBus()
	if err != nil {
		return err
	}
	call := bus.Object(bluezService, m.adapterPath).CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return classify("connmgr.set_powered", bterr.ErrAdapterUnavailable, call.Err)
	}
	m.log.Info("connmgr: adapter power changed", zap.Bool("powered", on))
	return nil
}

func (m *mgr) StartServer(ctx context.Context, opts ServerOptions) error {
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.srvProf != nil {
		return errors.New("connmgr: server already started")
	}
	bus, err := m.busLocked()
	if err != nil {
		return err
	}
	p, path, err := m.exportProfileLocked(ctx, bus, "server", map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(DefaultRFCOMMChannel)),
	})
	if err != nil {
		return err
	}
	m.srvProf, m.serverPath = p, path
	return nil
}

func (m *mgr) Accept(ctx context.Context) (fd int, remote Device, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, Device{}, errors.New("connmgr: closed")
	}
	p := m.srvProf
	m.mu.Unlock()
	if p == nil {
		return 0, Device{}, errors.New("connmgr: server not started")
	}

	ch, err := p.arm()
	if err != nil {
		return 0, Device{}, err
	}
	select {
	case <-ctx.Done():
		p.disarm(ch)
		return 0, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, res.dev, nil
	}
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	bus, err := m.lockedBus()
	if err != nil {
		return nil, err
	}

	adapter := bus.Object(bluezService, m.adapterPath)
	if call := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		return nil, classify("connmgr.scan", bterr.ErrAdapterUnavailable, call.Err)
	}
	defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()

	// Prime from current managed objects.
	devMap, err := m.snapshotSPPDevices(bus)
	if err != nil {
		return nil, err
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := m.deviceFromIfaces(path, ifaces); ok {
				m.log.Debug("connmgr: discovered", zap.String("device", dev.String()))
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *mgr) Connect(ctx context.Context, dev Device) (fd int, err error) {
	if dev.IsZero() {
		return 0, bterr.New("connmgr.connect", bterr.ErrInvalidPeer, nil)
	}
	if dev.Path == "" {
		dev = DeviceFor(m.adapter, dev.MAC)
	}

	m.mu.Lock()
	bus, err := m.busLocked()
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	// Register the client profile once; later Connects reuse it.
	if m.cliProf == nil {
		p, path, err := m.exportProfileLocked(ctx, bus, "client", map[string]dbus.Variant{})
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		m.cliProf, m.clientPath = p, path
	}
	p := m.cliProf
	m.mu.Unlock()

	ch, err := p.arm()
	if err != nil {
		return 0, err
	}

	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	var paired dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&paired); err == nil {
			if b, ok := paired.Value().(bool); ok && !b {
				m.log.Info("connmgr: pairing", zap.String("device", dev.Path))
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					p.disarm(ch)
					return 0, classify("connmgr.pair", bterr.ErrConnectFailed, err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		p.disarm(ch)
		return 0, classify("connmgr.connect_profile", bterr.ErrConnectFailed, call.Err)
	}

	select {
	case <-ctx.Done():
		p.disarm(ch)
		return 0, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return res.fd, nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

func (m *mgr) snapshotSPPDevices(bus *dbus.Conn) (map[string]Device, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, classify("connmgr.scan", bterr.ErrAdapterUnavailable, call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := m.deviceFromIfaces(path, ifaces); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

func (m *mgr) deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	if !strings.HasPrefix(string(path), string(m.adapterPath)+"/") {
		return Device{}, false
	}
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, SPPUUID) {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if dev.MAC == "" {
		dev.MAC = macFromPath(dev.Path)
	}
	return dev, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}
