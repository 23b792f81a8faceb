package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
	dbusProperties    = "org.freedesktop.DBus.Properties"
)

// managedObjects is the GetManagedObjects reply: path → interface → property.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bus is the part of the system bus the transport talks to.
type bus interface {
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error
	Property(path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	ManagedObjects(ctx context.Context) (managedObjects, error)
	// Watch delivers PropertiesChanged bodies for path until stop is called.
	Watch(path dbus.ObjectPath) (changes <-chan map[string]dbus.Variant, stop func(), err error)
	Close() error
}

// BusFactory opens the system bus; tests replace it.
var BusFactory = func() (bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return &systemBus{conn: conn}, nil
}

// systemBus implements bus over a private system bus connection.
type systemBus struct {
	conn *dbus.Conn
}

func (b *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	return b.conn.Object(bluezBus, path).CallWithContext(ctx, method, 0, args...).Err
}

func (b *systemBus) Property(path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	return b.conn.Object(bluezBus, path).GetProperty(iface + "." + name)
}

func (b *systemBus) ManagedObjects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := b.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to parse managed objects: %w", err)
	}
	return objects, nil
}

func (b *systemBus) Watch(path dbus.ObjectPath) (<-chan map[string]dbus.Variant, func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := b.conn.AddMatchSignal(match...); err != nil {
		return nil, nil, fmt.Errorf("failed to add signal match: %w", err)
	}

	signals := make(chan *dbus.Signal, 64)
	b.conn.Signal(signals)
	changes := make(chan map[string]dbus.Variant, 16)
	done := make(chan struct{})

	go func() {
		defer close(changes)
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Path != path || sig.Name != dbusProperties+".PropertiesChanged" {
					continue
				}
				if changed, ok := changedProperties(sig.Body); ok {
					select {
					case changes <- changed:
					case <-done:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			b.conn.RemoveSignal(signals)
			_ = b.conn.RemoveMatchSignal(match...)
		})
	}
	return changes, stop, nil
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}

// changedProperties extracts the changed map from a PropertiesChanged body
// (interface, changed, invalidated).
func changedProperties(body []any) (map[string]dbus.Variant, bool) {
	if len(body) < 2 {
		return nil, false
	}
	changed, ok := body[1].(map[string]dbus.Variant)
	return changed, ok
}

// adapterPath returns the object path of an adapter such as hci0.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts a MAC address to a BlueZ object path.
// Example: "aa:bb:cc:dd:ee:ff" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter, address string) dbus.ObjectPath {
	devAddr := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(address), ":", "_"))
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, devAddr))
}

// property reads a typed property.
func property[T any](b bus, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := b.Property(path, iface, name)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, name, v.Value())
	}
	return val, nil
}

// variantValue reads a typed value out of a property map.
func variantValue[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}
