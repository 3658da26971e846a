package hfp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService        = "org.bluez"
	bluezAdapterIface   = "org.bluez.Adapter1"
	bluezProfileIface   = "org.bluez.Profile1"
	bluezProfileManager = "org.bluez.ProfileManager1"
	propertiesSet       = "org.freedesktop.DBus.Properties.Set"

	defaultAdapterPath = dbus.ObjectPath("/org/bluez/hci0")
	profilePath        = dbus.ObjectPath("/org/mmackelprang/rotaryphone/hfp")
)

// BlueZ registers a Hands-Free profile with bluetoothd over the system bus.
// bluetoothd hands each accepted RFCOMM channel over as a file descriptor.
type BlueZ struct {
	*Unit
	deviceName  string
	adapterPath dbus.ObjectPath

	conn *dbus.Conn
}

// NewBlueZ creates the Linux adapter. adapterPath defaults to hci0.
func NewBlueZ(cfg UnitConfig, deviceName, adapterPath string) *BlueZ {
	path := defaultAdapterPath
	if adapterPath != "" {
		path = dbus.ObjectPath(adapterPath)
	}
	return &BlueZ{Unit: NewUnit(cfg), deviceName: deviceName, adapterPath: path}
}

// Start configures the radio to be found as deviceName and registers the
// profile. Any failure here leaves the line inactive.
func (b *BlueZ) Start(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	b.conn = conn

	if err := b.setupAdapter(); err != nil {
		_ = conn.Close()
		return err
	}

	if err := conn.Export(hfpProfile{b}, profilePath, bluezProfileIface); err != nil {
		_ = conn.Close()
		return fmt.Errorf("export profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(b.deviceName),
		"Role":                  dbus.MakeVariant("server"),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(true),
	}
	manager := conn.Object(bluezService, "/org/bluez")
	if err := manager.CallWithContext(ctx, bluezProfileManager+".RegisterProfile", 0, profilePath, HandsFreeUUID, opts).Err; err != nil {
		_ = conn.Close()
		return fmt.Errorf("register hands-free profile: %w", err)
	}

	slog.Info("[HFP] BlueZ profile registered", "line", b.cfg.LineID, "name", b.deviceName, "adapter", string(b.adapterPath))
	return nil
}

func (b *BlueZ) setupAdapter() error {
	adapter := b.conn.Object(bluezService, b.adapterPath)
	props := []struct {
		name  string
		value interface{}
	}{
		{"Alias", b.deviceName},
		{"Powered", true},
		{"DiscoverableTimeout", uint32(0)},
		{"Discoverable", true},
		{"PairableTimeout", uint32(0)},
		{"Pairable", true},
	}
	for _, p := range props {
		if err := adapter.Call(propertiesSet, 0, bluezAdapterIface, p.name, dbus.MakeVariant(p.value)).Err; err != nil {
			return fmt.Errorf("set adapter %s: %w", p.name, err)
		}
		slog.Debug("[HFP] Adapter property set", "line", b.cfg.LineID, "property", p.name, "value", p.value)
	}
	return nil
}

// Close unregisters the profile and drops the bus connection.
func (b *BlueZ) Close() error {
	if b.conn != nil {
		manager := b.conn.Object(bluezService, "/org/bluez")
		if err := manager.Call(bluezProfileManager+".UnregisterProfile", 0, profilePath).Err; err != nil {
			slog.Debug("[HFP] Failed to unregister profile", "line", b.cfg.LineID, "error", err)
		}
		_ = b.conn.Close()
	}
	return b.Unit.Close()
}

// hfpProfile is the exported org.bluez.Profile1 object.
type hfpProfile struct {
	b *BlueZ
}

func (p hfpProfile) Release() *dbus.Error {
	slog.Info("[HFP] Profile released by bluetoothd", "line", p.b.cfg.LineID)
	p.b.Detach()
	return nil
}

func (p hfpProfile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm")
	if f == nil {
		return dbus.MakeFailedError(fmt.Errorf("invalid fd %d", fd))
	}
	if err := p.b.Attach(f, deviceAddress(device)); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func (p hfpProfile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	slog.Info("[HFP] Disconnection requested", "line", p.b.cfg.LineID, "device", deviceAddress(device))
	p.b.Detach()
	return nil
}

// deviceAddress turns /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF into
// AA:BB:CC:DD:EE:FF.
func deviceAddress(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return s
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}
