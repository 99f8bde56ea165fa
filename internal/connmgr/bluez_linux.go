//go:build linux

package connmgr

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"

	rejectedError = "org.bluez.Error.Rejected"
)

var pathCounter uint64

// NewBlueZ returns a Transport backed by BlueZ on the system bus.
// The bus is connected lazily on first use.
func NewBlueZ() Transport {
	return &bluez{
		clients:   make(map[uuid.UUID]*clientProfile),
		listeners: make(map[*bluezListener]struct{}),
		log:       logrus.WithField("component", "bluez"),
	}
}

type bluez struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	// client-role profiles, registered once per service UUID and reused by every Dial.
	clients   map[uuid.UUID]*clientProfile
	listeners map[*bluezListener]struct{}

	scanCancel context.CancelFunc

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()

	log logrus.FieldLogger
}

// ensureBusLocked connects to the system bus if not yet connected.
func (b *bluez) ensureBusLocked() error {
	if b.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	b.bus = c
	// Close the bus last during cleanup.
	b.cleanup = append(b.cleanup, func() { b.bus.Close() })
	return nil
}

type acceptResult struct {
	fd  int
	dev Device
}

func rejectFD(fd int, reason string) *dbus.Error {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
	return &dbus.Error{Name: rejectedError, Body: []interface{}{reason}}
}

// serverProfile implements org.bluez.Profile1 for the server role and queues
// incoming connections for Accept.
type serverProfile struct {
	ch   chan acceptResult
	done chan struct{}
}

func (p *serverProfile) Release() *dbus.Error { return nil }

func (p *serverProfile) Cancel() *dbus.Error { return nil }

func (p *serverProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection hands the RFCOMM fd to Accept, or rejects it when the
// listener is closed or a previous connection is still unclaimed.
func (p *serverProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	select {
	case <-p.done:
		return rejectFD(int(fd), "listener closed")
	default:
	}
	res := acceptResult{fd: int(fd), dev: Device{Path: string(dev), MAC: macFromPath(dev)}}
	select {
	case p.ch <- res:
		return nil
	default:
		return rejectFD(int(fd), "busy")
	}
}

// clientProfile implements org.bluez.Profile1 for the client role. Each
// pending Dial registers a waiter keyed by device path; connections nobody
// waits for are rejected.
type clientProfile struct {
	path dbus.ObjectPath

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan acceptResult
}

func (p *clientProfile) Release() *dbus.Error { return nil }

func (p *clientProfile) Cancel() *dbus.Error { return nil }

func (p *clientProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *clientProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[dev]
	if !ok {
		return rejectFD(int(fd), "no pending connect")
	}
	delete(p.waiters, dev)
	// ch has capacity 1 and is removed from the map before the send, so this never blocks.
	ch <- acceptResult{fd: int(fd), dev: Device{Path: string(dev), MAC: macFromPath(dev)}}
	return nil
}

func (p *clientProfile) expect(dev dbus.ObjectPath) chan acceptResult {
	ch := make(chan acceptResult, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

// forget drops a waiter registered by expect and closes an fd that arrived
// after the caller gave up.
func (p *clientProfile) forget(dev dbus.ObjectPath, ch chan acceptResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	select {
	case res := <-ch:
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
	default:
	}
}

func profileOptions(id ServiceID, role string) map[string]dbus.Variant {
	secure := id.Security == Secure
	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(id.Name),
		"Role":                  dbus.MakeVariant(role),
		"RequireAuthentication": dbus.MakeVariant(secure),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	if role == "server" && id.Channel != 0 {
		// BlueZ expects Channel as a uint16 (not byte).
		opts["Channel"] = dbus.MakeVariant(uint16(id.Channel))
	}
	return opts
}

func nextProfilePath(role string) dbus.ObjectPath {
	n := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/bluetooth_chat/connmgr/" + role + "/p" + strconv.FormatUint(n, 10))
}

func (b *bluez) Listen(id ServiceID) (Listener, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		return nil, err
	}

	prof := &serverProfile{ch: make(chan acceptResult, 1), done: make(chan struct{})}
	path := nextProfilePath("server")
	if err := b.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export server profile: %w", err)
	}
	pm := b.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, id.UUID.String(), profileOptions(id, "server")); call.Err != nil {
		_ = b.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("connmgr: RegisterProfile(server %s): %w", id.Name, call.Err)
	}
	l := &bluezListener{owner: b, bus: b.bus, id: id, path: path, prof: prof}
	b.listeners[l] = struct{}{}
	b.log.WithFields(logrus.Fields{"service": id.Name, "uuid": id.UUID, "channel": id.Channel}).Debug("server profile registered")
	return l, nil
}

type bluezListener struct {
	owner *bluez
	bus   *dbus.Conn
	id    ServiceID
	path  dbus.ObjectPath
	prof  *serverProfile
	once  sync.Once
}

// Accept waits for the next connection. A delivered fd that cannot be
// wrapped is dropped and Accept keeps waiting.
func (l *bluezListener) Accept() (Stream, Device, error) {
	for {
		select {
		case <-l.prof.done:
			return nil, Device{}, fmt.Errorf("connmgr: accept %s: %w", l.id.Name, ErrListenerClosed)
		case res := <-l.prof.ch:
			f, err := wrapFD(res.fd)
			if err != nil {
				l.owner.log.WithError(err).WithFields(logrus.Fields{"service": l.id.Name, "peer": res.dev.MAC}).Warn("dropping inbound connection")
				continue
			}
			return f, l.owner.describe(l.bus, dbus.ObjectPath(res.dev.Path), res.dev), nil
		}
	}
}

func (l *bluezListener) Close() error {
	l.once.Do(func() {
		close(l.prof.done)
		pm := l.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, l.path).Err
		// Unexport the object path (best-effort).
		_ = l.bus.Export(nil, l.path, profileInterfaceName)
		// Release a connection that arrived but was never accepted.
		select {
		case res := <-l.prof.ch:
			_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		default:
		}
		l.owner.mu.Lock()
		delete(l.owner.listeners, l)
		l.owner.mu.Unlock()
	})
	return nil
}

// clientProfileLocked returns the client-role profile for id, registering it on first use.
func (b *bluez) clientProfileLocked(id ServiceID) (*clientProfile, error) {
	if p, ok := b.clients[id.UUID]; ok {
		return p, nil
	}
	p := &clientProfile{path: nextProfilePath("client"), waiters: make(map[dbus.ObjectPath]chan acceptResult)}
	if err := b.bus.Export(p, p.path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := b.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, p.path, id.UUID.String(), profileOptions(id, "client")); call.Err != nil {
		_ = b.bus.Export(nil, p.path, profileInterfaceName)
		return nil, fmt.Errorf("connmgr: RegisterProfile(client %s): %w", id.Name, call.Err)
	}
	// Unregister client profile on close.
	bus := b.bus
	b.cleanup = append(b.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err
		_ = bus.Export(nil, p.path, profileInterfaceName)
	})
	b.clients[id.UUID] = p
	return p, nil
}

func (b *bluez) Dial(ctx context.Context, address string, id ServiceID) (Stream, Device, error) {
	if address == "" {
		return nil, Device{}, fmt.Errorf("connmgr: device address required")
	}
	if err := id.Validate(); err != nil {
		return nil, Device{}, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, Device{}, ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		b.mu.Unlock()
		return nil, Device{}, err
	}
	prof, err := b.clientProfileLocked(id)
	bus := b.bus
	b.mu.Unlock()
	if err != nil {
		return nil, Device{}, err
	}

	devPath, err := resolveDevice(bus, address)
	if err != nil {
		return nil, Device{}, err
	}
	ch := prof.expect(devPath)
	devObj := bus.Object(bluezService, devPath)

	// Ensure paired; if not, attempt Pair() via the externally registered Agent.
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if paired, ok := pairedVar.Value().(bool); ok && !paired {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					prof.forget(devPath, ch)
					return nil, Device{}, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}
	if err := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, id.UUID.String()).Err; err != nil {
		prof.forget(devPath, ch)
		if ctx.Err() != nil {
			b.disconnectProfile(devObj, id)
			return nil, Device{}, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
		}
		return nil, Device{}, fmt.Errorf("connmgr: ConnectProfile: %w", err)
	}

	select {
	case <-ctx.Done():
		prof.forget(devPath, ch)
		b.disconnectProfile(devObj, id)
		return nil, Device{}, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		f, err := wrapFD(res.fd)
		if err != nil {
			return nil, Device{}, err
		}
		return f, b.describe(bus, devPath, res.dev), nil
	}
}

func (b *bluez) disconnectProfile(devObj dbus.BusObject, id ServiceID) {
	if err := devObj.Call(deviceIface+".DisconnectProfile", 0, id.UUID.String()).Err; err != nil {
		b.log.WithError(err).WithField("service", id.Name).Debug("DisconnectProfile after cancel")
	}
}

// describe fills name and alias for an accepted or dialed device. Lookup
// failures leave the fallback untouched.
func (b *bluez) describe(bus *dbus.Conn, path dbus.ObjectPath, fallback Device) Device {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, path).Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return fallback
	}
	if err := call.Store(&props); err != nil {
		return fallback
	}
	dev := deviceFromProps(path, props)
	if dev.MAC == "" {
		dev.MAC = fallback.MAC
	}
	return dev
}

func (b *bluez) Scan(ctx context.Context, ids []ServiceID) ([]Device, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if err := b.ensureBusLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if b.scanCancel != nil {
		b.scanCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.scanCancel = cancel
	bus := b.bus
	b.mu.Unlock()

	uuids := make([]string, 0, len(ids))
	for _, id := range ids {
		uuids = append(uuids, id.UUID.String())
	}

	// Discover adapters.
	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapters {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	// Prime from current managed objects.
	devMap, err := snapshotDevices(bus, uuids)
	if err != nil {
		return nil, err
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

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
			if dev, ok := deviceFromIfaces(path, ifaces, uuids); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	return out, nil
}

func (b *bluez) CancelDiscovery() error {
	b.mu.Lock()
	cancel := b.scanCancel
	b.scanCancel = nil
	bus := b.bus
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if bus == nil {
		return nil
	}
	adapters, err := listAdapters(bus)
	if err != nil {
		return err
	}
	for _, ap := range adapters {
		// Fails with NotReady/Failed when this client is not discovering; that is fine.
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StopDiscovery", 0).Err
	}
	return nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (b *bluez) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cleanup := b.cleanup
	b.cleanup = nil
	listeners := make([]*bluezListener, 0, len(b.listeners))
	for l := range b.listeners {
		listeners = append(listeners, l)
	}
	if b.scanCancel != nil {
		b.scanCancel()
		b.scanCancel = nil
	}
	b.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// wrapFD turns an RFCOMM socket fd into a Stream. The fd is switched to
// non-blocking mode so the runtime poller owns it and Close interrupts Read.
func wrapFD(fd int) (Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

// Helpers

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	return adaptersIn(objs), nil
}

func adaptersIn(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out
}

func snapshotDevices(bus *dbus.Conn, uuids []string) (map[string]Device, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, uuids); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

// resolveDevice maps a MAC address (or a Device1 object path) to the object
// path BlueZ uses for it.
func resolveDevice(bus *dbus.Conn, address string) (dbus.ObjectPath, error) {
	if strings.HasPrefix(address, "/") {
		return dbus.ObjectPath(address), nil
	}
	objs, err := managedObjects(bus)
	if err != nil {
		return "", err
	}
	return findDevice(objs, address)
}

func findDevice(objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant, mac string) (dbus.ObjectPath, error) {
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if v, ok := props["Address"]; ok {
			if addr, _ := v.Value().(string); strings.EqualFold(addr, mac) {
				return path, nil
			}
		}
	}
	// Not known yet: BlueZ names device objects after the address.
	adapters := adaptersIn(objs)
	if len(adapters) == 0 {
		return "", fmt.Errorf("connmgr: no bluetooth adapter")
	}
	return dbus.ObjectPath(string(adapters[0]) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")), nil
}

// deviceFromIfaces extracts a Device if the object implements Device1 and
// advertises one of uuids. An empty uuids list matches every device.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, uuids []string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	if len(uuids) > 0 {
		vUUIDs, ok := props["UUIDs"]
		if !ok {
			return Device{}, false
		}
		advertised, _ := vUUIDs.Value().([]string)
		if !containsAnyUUID(advertised, uuids) {
			return Device{}, false
		}
	}
	return deviceFromProps(path, props), true
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{Path: string(path), MAC: mac, Name: name, Alias: alias}
}

func containsAnyUUID(list, targets []string) bool {
	for _, s := range list {
		for _, t := range targets {
			if strings.EqualFold(s, t) {
				return true
			}
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
