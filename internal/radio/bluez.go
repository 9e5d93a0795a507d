package radio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezBus       = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsChanged   = propsIface + ".PropertiesChanged"
	DefaultAdapter = "hci0"
)

// BlueZ follows the Powered property of a BlueZ adapter over the system bus.
// Permission is granted when the adapter object answered on open.
type BlueZ struct {
	conn    *dbus.Conn
	path    dbus.ObjectPath
	logger  *logrus.Logger
	powered atomic.Bool
	granted atomic.Bool
}

// AdapterPath returns the BlueZ object path of adapter ("hci0" → "/org/bluez/hci0").
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// NewBlueZ connects to the system bus and reads the adapter power state.
func NewBlueZ(adapter string, logger *logrus.Logger) (*BlueZ, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	b := &BlueZ{conn: conn, path: AdapterPath(adapter), logger: logger}

	powered, err := b.readPowered()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read %s power state (is bluetooth.service running?): %w", b.path, err)
	}
	b.powered.Store(powered)
	b.granted.Store(true)

	logger.WithFields(logrus.Fields{
		"adapter": string(b.path),
		"powered": powered,
	}).Debug("BlueZ adapter found")
	return b, nil
}

func (b *BlueZ) readPowered() (bool, error) {
	var v dbus.Variant
	err := b.conn.Object(bluezBus, b.path).Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v)
	if err != nil {
		return false, err
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property Powered is not bool")
	}
	return powered, nil
}

func (b *BlueZ) Enabled() bool { return b.powered.Load() }

func (b *BlueZ) Granted() bool { return b.granted.Load() }

// SetPowered switches the adapter on or off.
func (b *BlueZ) SetPowered(on bool) error {
	err := b.conn.Object(bluezBus, b.path).Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)).Err
	if err != nil {
		return fmt.Errorf("set %s Powered=%t: %w", b.path, on, err)
	}
	return nil
}

func (b *BlueZ) matchRule() string {
	return fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propsIface, b.path)
}

func (b *BlueZ) Watch(ctx context.Context, fn func(enabled bool)) error {
	rule := b.matchRule()
	if err := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		b.granted.Store(false)
		return fmt.Errorf("add match rule: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)
	defer func() {
		b.conn.RemoveSignal(signals)
		_ = b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			powered, changed := PoweredChange(sig, b.path)
			if !changed || b.powered.Swap(powered) == powered {
				continue
			}
			b.logger.WithFields(logrus.Fields{
				"adapter": string(b.path),
				"powered": powered,
			}).Info("Bluetooth radio power changed")
			fn(powered)
		}
	}
}

func (b *BlueZ) Close() error {
	return b.conn.Close()
}

// PoweredChange extracts Adapter1.Powered from a PropertiesChanged signal sent
// by path. Body: [interface string, changed map[string]Variant, invalidated []string].
func PoweredChange(sig *dbus.Signal, path dbus.ObjectPath) (powered bool, ok bool) {
	if sig == nil || sig.Name != propsChanged || sig.Path != path || len(sig.Body) < 2 {
		return false, false
	}
	iface, isString := sig.Body[0].(string)
	if !isString || iface != adapterIface {
		return false, false
	}
	changed, isMap := sig.Body[1].(map[string]dbus.Variant)
	if !isMap {
		return false, false
	}
	v, present := changed["Powered"]
	if !present {
		return false, false
	}
	powered, ok = v.Value().(bool)
	return powered, ok
}

var (
	_ Source = (*BlueZ)(nil)
	_ Switch = (*BlueZ)(nil)
)
