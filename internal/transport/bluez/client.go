package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/groutine"
	"github.com/srg/bmbridge/internal/session"
)

const servicesPollInterval = 200 * time.Millisecond

// characteristic is a GattCharacteristic1 object under the connected device.
type characteristic struct {
	path dbus.ObjectPath
	uuid string
}

// UUID implements session.Characteristic
func (c characteristic) UUID() string { return c.uuid }

// client implements session.Client over org.bluez.Device1 and
// org.bluez.GattCharacteristic1.
type client struct {
	bus    bus
	path   dbus.ObjectPath
	logger *logrus.Logger

	mu       sync.Mutex
	watchers map[dbus.ObjectPath]func()
}

func newClient(b bus, path dbus.ObjectPath, logger *logrus.Logger) *client {
	return &client{
		bus:      b,
		path:     path,
		logger:   logger,
		watchers: make(map[dbus.ObjectPath]func()),
	}
}

// connect calls Device1.Connect and waits for GATT service resolution.
func (c *client) connect(ctx context.Context) error {
	if connected, err := property[bool](c.bus, c.path, bluezDevice1, "Connected"); err == nil && connected {
		c.logger.WithField("path", c.path).Debug("Device already connected")
	} else if err := c.bus.Call(ctx, c.path, bluezDevice1+".Connect"); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("connect: %w", ctxErr)
		}
		return NormalizeError(err)
	}
	return c.waitServicesResolved(ctx)
}

func (c *client) waitServicesResolved(ctx context.Context) error {
	ticker := time.NewTicker(servicesPollInterval)
	defer ticker.Stop()

	for {
		resolved, err := property[bool](c.bus, c.path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service discovery: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Characteristics implements session.Client
func (c *client) Characteristics(ctx context.Context) ([]session.Characteristic, error) {
	objects, err := c.bus.ManagedObjects(ctx)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return characteristicsUnder(objects, c.path), nil
}

// characteristicsUnder lists GATT characteristics below a device path.
func characteristicsUnder(objects managedObjects, dev dbus.ObjectPath) []session.Characteristic {
	prefix := string(dev) + "/"
	var out []session.Characteristic
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[bluezGattChar1]
		if !ok {
			continue
		}
		uuid, ok := variantValue[string](props, "UUID")
		if !ok {
			continue
		}
		out = append(out, characteristic{path: path, uuid: strings.ToLower(uuid)})
	}
	return out
}

// Subscribe implements session.Client; notifications arrive as
// PropertiesChanged signals carrying "Value".
func (c *client) Subscribe(ctx context.Context, sc session.Characteristic, handler func([]byte)) error {
	ch, err := unwrap(sc)
	if err != nil {
		return err
	}

	changes, stop, err := c.bus.Watch(ch.path)
	if err != nil {
		return err
	}
	if err := c.bus.Call(ctx, ch.path, bluezGattChar1+".StartNotify"); err != nil {
		stop()
		return NormalizeError(err)
	}

	c.mu.Lock()
	if prev, ok := c.watchers[ch.path]; ok {
		prev()
	}
	c.watchers[ch.path] = stop
	c.mu.Unlock()

	groutine.Go(context.Background(), "bluez-notify", func(context.Context) {
		for changed := range changes {
			if value, ok := variantValue[[]byte](changed, "Value"); ok {
				handler(value)
			}
		}
	})
	return nil
}

// Unsubscribe implements session.Client
func (c *client) Unsubscribe(ctx context.Context, sc session.Characteristic) error {
	ch, err := unwrap(sc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	stop, watching := c.watchers[ch.path]
	delete(c.watchers, ch.path)
	c.mu.Unlock()
	if watching {
		stop()
	}

	return NormalizeError(c.bus.Call(ctx, ch.path, bluezGattChar1+".StopNotify"))
}

// Write implements session.Client; "request" asks BlueZ for a write with response.
func (c *client) Write(ctx context.Context, sc session.Characteristic, data []byte) error {
	ch, err := unwrap(sc)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	return NormalizeError(c.bus.Call(ctx, ch.path, bluezGattChar1+".WriteValue", data, opts))
}

// Disconnect implements session.Client
func (c *client) Disconnect() error {
	c.mu.Lock()
	for path, stop := range c.watchers {
		stop()
		delete(c.watchers, path)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), session.CleanupTimeout)
	defer cancel()
	return NormalizeError(c.bus.Call(ctx, c.path, bluezDevice1+".Disconnect"))
}

func unwrap(sc session.Characteristic) (characteristic, error) {
	ch, ok := sc.(characteristic)
	if !ok || ch.path == "" {
		return characteristic{}, errors.New("characteristic does not belong to a BlueZ client")
	}
	return ch, nil
}
