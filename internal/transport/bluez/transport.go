// Package bluez implements transport.Transport against the BlueZ daemon over
// the D-Bus system bus (org.bluez Adapter1, Device1, GattCharacteristic1).
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/session"
	"github.com/srg/bmbridge/internal/transport"
)

const (
	// DefaultAdapter is used when no adapter is configured.
	DefaultAdapter = "hci0"

	defaultPollInterval = 500 * time.Millisecond
	restoreTimeout      = 5 * time.Second
)

// handle is a device object found during FindByAddress.
type handle struct {
	addr string
	path dbus.ObjectPath
}

// Address implements transport.Handle
func (h *handle) Address() string { return h.addr }

// Transport is the BlueZ backend.
type Transport struct {
	adapter      string
	logger       *logrus.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	bus      bus
	shutdown bool
}

// New creates a BlueZ transport for adapter (hci0 when empty). The bus is
// opened lazily on first use.
func New(adapter string, logger *logrus.Logger) *Transport {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{adapter: adapter, logger: logger, pollInterval: defaultPollInterval}
}

// Available reports whether BlueZ is reachable and the adapter exists.
func Available(adapter string) bool {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	b, err := BusFactory()
	if err != nil {
		return false
	}
	defer func() { _ = b.Close() }()

	_, err = property[bool](b, adapterPath(adapter), bluezAdapter1, "Powered")
	return err == nil
}

func (t *Transport) conn() (bus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, fmt.Errorf("%w: transport is shut down", device.ErrAdapterNotReady)
	}
	if t.bus != nil {
		return t.bus, nil
	}
	b, err := BusFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", device.ErrAdapterNotReady, err)
	}
	t.bus = b
	return b, nil
}

// ready returns the bus once the adapter exists and is powered.
func (t *Transport) ready() (bus, error) {
	b, err := t.conn()
	if err != nil {
		return nil, err
	}
	powered, err := property[bool](b, adapterPath(t.adapter), bluezAdapter1, "Powered")
	if err != nil {
		return nil, adapterError(t.adapter, err)
	}
	if !powered {
		return nil, fmt.Errorf("%w: adapter %s is powered off", device.ErrAdapterNotReady, t.adapter)
	}
	return b, nil
}

// startDiscovery starts LE discovery unless the adapter is already
// discovering. The returned func restores the previous state.
func (t *Transport) startDiscovery(ctx context.Context, b bus) (func(), error) {
	path := adapterPath(t.adapter)
	noop := func() {}

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if err := b.Call(ctx, path, bluezAdapter1+".SetDiscoveryFilter", filter); err != nil {
		t.logger.WithError(err).Debug("Setting LE discovery filter failed, continuing")
	}

	discovering, err := property[bool](b, path, bluezAdapter1, "Discovering")
	if err == nil && discovering {
		t.logger.Debug("Adapter already discovering, leaving discovery running")
		return noop, nil
	}

	if err := b.Call(ctx, path, bluezAdapter1+".StartDiscovery"); err != nil {
		if errorName(err) == "org.bluez.Error.InProgress" {
			return noop, nil
		}
		return noop, fmt.Errorf("failed to start discovery: %w", NormalizeError(err))
	}

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
		defer cancel()
		if err := b.Call(stopCtx, path, bluezAdapter1+".StopDiscovery"); err != nil {
			t.logger.WithError(err).Debug("Stopping discovery failed")
		}
	}, nil
}

// seenDevice is a Device1 object observed during the current discovery.
type seenDevice struct {
	adv  device.Advertisement
	path dbus.ObjectPath
}

// adapterDevices lists Device1 objects under the adapter that were seen
// recently: they carry an RSSI or are connected.
func adapterDevices(objects managedObjects, adapter string) []seenDevice {
	prefix := string(adapterPath(adapter)) + "/"
	var out []seenDevice
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezDevice1]
		if !ok {
			continue
		}
		addr, ok := variantValue[string](props, "Address")
		if !ok {
			continue
		}
		rssi, hasRSSI := variantValue[int16](props, "RSSI")
		connected, _ := variantValue[bool](props, "Connected")
		if !hasRSSI && !connected {
			continue
		}
		name, _ := variantValue[string](props, "Name")
		out = append(out, seenDevice{
			adv:  device.Advertisement{Address: device.NormalizeAddress(addr), RSSI: int(rssi), Name: name},
			path: path,
		})
	}
	return out
}

// discover polls the object tree until the window ends or visit returns true.
func (t *Transport) discover(ctx context.Context, window time.Duration, visit func([]seenDevice) bool) error {
	b, err := t.ready()
	if err != nil {
		return err
	}
	restore, err := t.startDiscovery(ctx, b)
	if err != nil {
		return err
	}
	defer restore()

	windowCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		objects, err := b.ManagedObjects(windowCtx)
		if err != nil {
			if windowCtx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("GetManagedObjects failed: %w", NormalizeError(err))
		}
		if visit(adapterDevices(objects, t.adapter)) {
			return ctx.Err()
		}
		select {
		case <-windowCtx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan implements transport.Transport
func (t *Transport) Scan(ctx context.Context, window time.Duration) ([]device.Advertisement, error) {
	found := make(map[string]device.Advertisement)
	t.logger.WithFields(logrus.Fields{"adapter": t.adapter, "window": window}).Debug("Scanning for monitors...")

	err := t.discover(ctx, window, func(devs []seenDevice) bool {
		for _, d := range devs {
			if ok, _ := device.ClassifyAdvertisedName(d.adv.Name); !ok || d.adv.Address == "" {
				continue
			}
			if _, known := found[d.adv.Address]; !known {
				t.logger.WithFields(logrus.Fields{
					"address": d.adv.Address,
					"name":    d.adv.Name,
					"rssi":    d.adv.RSSI,
				}).Debug("Discovered monitor")
			}
			found[d.adv.Address] = d.adv
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	results := make([]device.Advertisement, 0, len(found))
	for _, adv := range found {
		results = append(results, adv)
	}
	transport.SortAdvertisements(results)
	return results, nil
}

// FindByAddress implements transport.Transport
func (t *Transport) FindByAddress(ctx context.Context, addrs []string, window time.Duration) (map[string]transport.Handle, error) {
	targets := transport.Targets(addrs)
	result := make(map[string]transport.Handle, len(targets))
	if len(targets) == 0 {
		return result, nil
	}
	wanted := make(map[string]struct{}, len(targets))
	for _, a := range targets {
		wanted[a] = struct{}{}
	}

	err := t.discover(ctx, window, func(devs []seenDevice) bool {
		for _, d := range devs {
			if _, ok := wanted[d.adv.Address]; ok {
				result[d.adv.Address] = &handle{addr: d.adv.Address, path: d.path}
			}
		}
		return len(result) >= len(wanted)
	})
	if err != nil {
		return nil, err
	}
	t.logger.WithFields(logrus.Fields{
		"expected": len(targets),
		"found":    len(result),
	}).Debug("Targeted discovery finished")
	return result, nil
}

// ReadOnce implements transport.Transport
func (t *Transport) ReadOnce(ctx context.Context, h transport.Handle, model device.Model, timeout time.Duration) (device.Reading, error) {
	b, err := t.ready()
	if err != nil {
		return device.Reading{}, err
	}
	addr := device.NormalizeAddress(h.Address())
	path := devicePath(t.adapter, addr)
	if bh, ok := h.(*handle); ok && bh.path != "" {
		path = bh.path
	}

	return session.Read(ctx, session.Options{
		Address: addr,
		Model:   model,
		Timeout: timeout,
		Logger:  t.logger,
		Dial: func(ctx context.Context) (session.Client, error) {
			c := newClient(b, path, t.logger)
			if err := c.connect(ctx); err != nil {
				// drop a half-open link
				_ = c.Disconnect()
				return nil, err
			}
			return c, nil
		},
	})
}

// Shutdown implements transport.Transport
func (t *Transport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true
	if t.bus == nil {
		return nil
	}
	if err := t.bus.Close(); err != nil {
		return fmt.Errorf("failed to close system bus: %w", err)
	}
	return nil
}
