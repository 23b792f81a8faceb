package bluez

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/srg/bmbridge/internal/device"
)

// isAdapterErrorName reports D-Bus errors meaning the radio cannot be used at all.
func isAdapterErrorName(name string) bool {
	switch name {
	case "org.bluez.Error.NotReady",
		"org.bluez.Error.NotPowered",
		"org.freedesktop.DBus.Error.ServiceUnknown",
		"org.freedesktop.DBus.Error.NameHasNoOwner",
		"org.freedesktop.DBus.Error.NoServer",
		"org.freedesktop.DBus.Error.FileNotFound",
		"org.freedesktop.DBus.Error.AccessDenied",
		"org.freedesktop.DBus.Error.Disconnected":
		return true
	}
	return false
}

// NormalizeError maps BlueZ D-Bus errors to classified errors.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if device.KindOf(err) != "" {
		return err
	}
	if isAdapterErrorName(errorName(err)) {
		return fmt.Errorf("%w: %v", device.ErrAdapterNotReady, err)
	}
	return device.NormalizeError(err)
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var value dbus.Error
	if errors.As(err, &value) {
		return value.Name
	}
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name
	}
	return ""
}

// adapterError classifies a failed adapter lookup as AdapterNotReady.
func adapterError(adapter string, err error) error {
	err = NormalizeError(err)
	if device.KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%w: adapter %s: %v", device.ErrAdapterNotReady, adapter, err)
}
