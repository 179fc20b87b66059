package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/speakerhub/orchestrator/internal/models"
)

const (
	busName        = "org.bluez"
	ifaceAdapter   = "org.bluez.Adapter1"
	ifaceDevice    = "org.bluez.Device1"
	ifaceObjMgr    = "org.freedesktop.DBus.ObjectManager"
	dbusTimeoutErr = "org.freedesktop.DBus.Error.NoReply"
)

// DBusClient is the BlueZ-backed Adapter implementation: a single typed
// client over the daemon's D-Bus IPC, replacing any interactive-session CLI
// with one ObjectManager call for inventory and direct Adapter1/Device1
// method calls for verbs.
type DBusClient struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	active string // last Select()ed controller MAC; the verbs take their controller explicitly and do not read it
}

// NewDBusClient connects to the system bus. The connection is shared by all
// operations; BlueZ's object tree is addressed fresh on every call rather
// than cached, since devices can appear/disappear between calls.
func NewDBusClient() (*DBusClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, &Error{Kind: KindTransportErr, Op: "connect", Err: err}
	}
	return &DBusClient{conn: conn}, nil
}

func (c *DBusClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// managedObjects fetches the full BlueZ object tree in one call — every
// controller and device in a single snapshot, rather than querying each one
// individually.
func (c *DBusClient) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := c.conn.Object(busName, "/")
	call := obj.CallWithContext(ctx, ifaceObjMgr+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, &Error{Kind: KindTransportErr, Op: "GetManagedObjects", Err: call.Err}
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&objects); err != nil {
		return nil, &Error{Kind: KindTransportErr, Op: "GetManagedObjects.Store", Err: err}
	}
	return objects, nil
}

func adapterPathForMAC(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, mac string) (dbus.ObjectPath, bool) {
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceAdapter]
		if !ok {
			continue
		}
		if addr, ok := props["Address"].Value().(string); ok && strings.EqualFold(addr, mac) {
			return path, true
		}
	}
	return "", false
}

func devicePath(adapterPath dbus.ObjectPath, mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + strings.ReplaceAll(mac, ":", "_"))
}

// ListControllers enumerates every org.bluez.Adapter1 object, ordered by
// object path so the order is the same on every call.
func (c *DBusClient) ListControllers(ctx context.Context) ([]models.Controller, error) {
	objects, err := c.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	var paths []string
	for path, ifaces := range objects {
		if _, ok := ifaces[ifaceAdapter]; ok {
			paths = append(paths, string(path))
		}
	}
	sort.Strings(paths)
	var out []models.Controller
	for _, path := range paths {
		props := objects[dbus.ObjectPath(path)][ifaceAdapter]
		mac, _ := props["Address"].Value().(string)
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
		}
		out = append(out, models.Controller{MAC: strings.ToUpper(mac), FriendlyName: name})
	}
	return out, nil
}

// ListDevices returns the devices attached to controllerMAC matching filter.
func (c *DBusClient) ListDevices(ctx context.Context, controllerMAC string, filter Filter) ([]models.Device, error) {
	objects, err := c.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	adapterPath, ok := adapterPathForMAC(objects, controllerMAC)
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "ListDevices", Err: fmt.Errorf("controller %s not found", controllerMAC)}
	}

	var out []models.Device
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		if !strings.HasPrefix(string(path), string(adapterPath)+"/") {
			continue
		}
		paired, _ := props["Paired"].Value().(bool)
		connected, _ := props["Connected"].Value().(bool)
		switch filter {
		case FilterPaired:
			if !paired {
				continue
			}
		case FilterConnected:
			if !connected {
				continue
			}
		}
		mac, _ := props["Address"].Value().(string)
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
		}
		out = append(out, models.Device{MAC: strings.ToUpper(mac), Name: name})
	}
	return out, nil
}

// DeviceInfo returns the ground-truth flags for mac on whichever controller
// currently exposes it. When a device is attached to more than one
// controller, any one of the matches may be returned (the object tree is
// walked in map order) — callers that care about a specific controller
// should use ListDevices instead.
func (c *DBusClient) DeviceInfo(ctx context.Context, mac string) (DeviceInfo, error) {
	objects, err := c.managedObjects(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	for path, ifaces := range objects {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if !strings.EqualFold(addr, mac) {
			continue
		}
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
		}
		paired, _ := props["Paired"].Value().(bool)
		trusted, _ := props["Trusted"].Value().(bool)
		connected, _ := props["Connected"].Value().(bool)
		_ = path
		return DeviceInfo{MAC: strings.ToUpper(addr), Name: name, Paired: paired, Trusted: trusted, Connected: connected}, nil
	}
	return DeviceInfo{}, &Error{Kind: KindNotFound, Op: "DeviceInfo", Err: fmt.Errorf("device %s not found", mac)}
}

// Select records the active controller, mirroring the daemon's process-wide
// "selected controller" session concept. No other method reads it: every
// verb, Scan included, takes its controller as an argument.
func (c *DBusClient) Select(_ context.Context, controllerMAC string) error {
	c.mu.Lock()
	c.active = controllerMAC
	c.mu.Unlock()
	return nil
}

func (c *DBusClient) resolveAdapter(ctx context.Context, controllerMAC string) (dbus.BusObject, error) {
	objects, err := c.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	path, ok := adapterPathForMAC(objects, controllerMAC)
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "resolveAdapter", Err: fmt.Errorf("controller %s not found", controllerMAC)}
	}
	return c.conn.Object(busName, path), nil
}

func (c *DBusClient) resolveDevice(ctx context.Context, controllerMAC, mac string) (dbus.BusObject, error) {
	objects, err := c.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	adapterPath, ok := adapterPathForMAC(objects, controllerMAC)
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "resolveDevice", Err: fmt.Errorf("controller %s not found", controllerMAC)}
	}
	return c.conn.Object(busName, devicePath(adapterPath, mac)), nil
}

// Scan toggles discovery on controllerMAC.
func (c *DBusClient) Scan(ctx context.Context, controllerMAC string, on bool) error {
	adapter, err := c.resolveAdapter(ctx, controllerMAC)
	if err != nil {
		return err
	}
	method := ifaceAdapter + ".StopDiscovery"
	if on {
		method = ifaceAdapter + ".StartDiscovery"
	}
	call := adapter.CallWithContext(ctx, method, 0)
	if call.Err != nil {
		slog.Debug("bluetooth: scan toggle failed", "controller", controllerMAC, "on", on, "err", call.Err)
		return &Error{Kind: KindTransportErr, Op: "Scan", Err: call.Err}
	}
	return nil
}

// Pair pairs mac on controllerMAC.
func (c *DBusClient) Pair(ctx context.Context, controllerMAC, mac string) error {
	dev, err := c.resolveDevice(ctx, controllerMAC, mac)
	if err != nil {
		return err
	}
	call := dev.CallWithContext(ctx, ifaceDevice+".Pair", 0)
	if call.Err != nil {
		return classifyDeviceErr("Pair", call.Err)
	}
	return nil
}

// Trust sets the Trusted property on mac via org.freedesktop.DBus.Properties.Set.
func (c *DBusClient) Trust(ctx context.Context, controllerMAC, mac string) error {
	dev, err := c.resolveDevice(ctx, controllerMAC, mac)
	if err != nil {
		return err
	}
	call := dev.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0,
		ifaceDevice, "Trusted", dbus.MakeVariant(true))
	if call.Err != nil {
		return classifyDeviceErr("Trust", call.Err)
	}
	return nil
}

// Connect connects mac on controllerMAC.
func (c *DBusClient) Connect(ctx context.Context, controllerMAC, mac string) error {
	dev, err := c.resolveDevice(ctx, controllerMAC, mac)
	if err != nil {
		return err
	}
	call := dev.CallWithContext(ctx, ifaceDevice+".Connect", 0)
	if call.Err != nil {
		return classifyDeviceErr("Connect", call.Err)
	}
	return nil
}

// Disconnect disconnects mac on controllerMAC.
func (c *DBusClient) Disconnect(ctx context.Context, controllerMAC, mac string) error {
	dev, err := c.resolveDevice(ctx, controllerMAC, mac)
	if err != nil {
		return err
	}
	call := dev.CallWithContext(ctx, ifaceDevice+".Disconnect", 0)
	if call.Err != nil {
		return classifyDeviceErr("Disconnect", call.Err)
	}
	return nil
}

// Remove removes the pairing for mac from controllerMAC.
func (c *DBusClient) Remove(ctx context.Context, controllerMAC, mac string) error {
	adapter, err := c.resolveAdapter(ctx, controllerMAC)
	if err != nil {
		return err
	}
	objects, err := c.managedObjects(ctx)
	if err != nil {
		return err
	}
	adapterPath, _ := adapterPathForMAC(objects, controllerMAC)
	call := adapter.CallWithContext(ctx, ifaceAdapter+".RemoveDevice", 0, devicePath(adapterPath, mac))
	if call.Err != nil {
		return classifyDeviceErr("Remove", call.Err)
	}
	return nil
}

// WaitForFlag polls DeviceInfo every 2s for the given flag.
func (c *DBusClient) WaitForFlag(ctx context.Context, mac string, flag Flag, timeout time.Duration) (bool, error) {
	return waitForFlagPoll(ctx, timeout, func(ctx context.Context) (bool, error) {
		info, err := c.DeviceInfo(ctx, mac)
		if err != nil {
			if bErr, ok := err.(*Error); ok && bErr.Kind == KindNotFound {
				// Device not advertised yet; treat as "flag not set" rather
				// than fatal — pairing hasn't created the object yet.
				return false, nil
			}
			return false, err
		}
		switch flag {
		case FlagPaired:
			return info.Paired, nil
		case FlagTrusted:
			return info.Trusted, nil
		case FlagConnected:
			return info.Connected, nil
		default:
			return false, fmt.Errorf("unknown flag %q", flag)
		}
	})
}

func classifyDeviceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "org.bluez.Error.DoesNotExist"):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case strings.Contains(msg, "org.bluez.Error.InProgress"), strings.Contains(msg, "org.bluez.Error.AlreadyConnected"):
		return &Error{Kind: KindBusy, Op: op, Err: err}
	case strings.Contains(msg, dbusTimeoutErr):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	default:
		return &Error{Kind: KindTransportErr, Op: op, Err: err}
	}
}

var _ Adapter = (*DBusClient)(nil)
