// Package goble implements transport.Transport on top of github.com/go-ble/ble:
// raw HCI sockets on Linux and CoreBluetooth on macOS.
package goble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/session"
	"github.com/srg/bmbridge/internal/transport"
)

// advHandler receives one advertisement as (address, local name, rssi).
type advHandler func(addr, name string, rssi int)

// radio is the part of ble.Device the transport needs, with go-ble types
// already adapted.
type radio struct {
	scan func(ctx context.Context, h advHandler) error
	dial func(ctx context.Context, addr string) (gattClient, error)
	stop func() error
}

func radioFromDevice(dev ble.Device) *radio {
	return &radio{
		scan: func(ctx context.Context, h advHandler) error {
			return dev.Scan(ctx, true, func(a ble.Advertisement) {
				h(a.Addr().String(), a.LocalName(), a.RSSI())
			})
		},
		dial: func(ctx context.Context, addr string) (gattClient, error) {
			return dev.Dial(ctx, ble.NewAddr(addr))
		},
		stop: dev.Stop,
	}
}

// handle is a device seen during FindByAddress.
type handle struct {
	addr string
	rssi int
}

// Address implements transport.Handle
func (h *handle) Address() string { return h.addr }

// Transport is the go-ble backend.
type Transport struct {
	logger *logrus.Logger
	hciID  int

	mu       sync.Mutex
	radio    *radio
	shutdown bool
}

// New creates a go-ble transport. The device is opened lazily on first use.
func New(hciID int, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger, hciID: hciID}
}

func newWithRadio(r *radio, logger *logrus.Logger) *Transport {
	t := New(0, logger)
	t.radio = r
	return t
}

func (t *Transport) device() (*radio, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return nil, fmt.Errorf("%w: transport is shut down", device.ErrAdapterNotReady)
	}
	if t.radio != nil {
		return t.radio, nil
	}

	dev, err := DeviceFactory(t.hciID)
	if err != nil {
		err = NormalizeError(err)
		if device.KindOf(err) == "" {
			err = fmt.Errorf("%w: %v", device.ErrAdapterNotReady, err)
		}
		return nil, err
	}
	t.radio = radioFromDevice(dev)
	t.logger.WithField("hci", t.hciID).Debug("go-ble device opened")
	return t.radio, nil
}

// Scan implements transport.Transport
func (t *Transport) Scan(ctx context.Context, window time.Duration) ([]device.Advertisement, error) {
	r, err := t.device()
	if err != nil {
		return nil, err
	}

	found := hashmap.New[string, *device.Advertisement]()
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	t.logger.WithField("window", window).Debug("Scanning for monitors...")
	err = r.scan(scanCtx, func(addr, name string, rssi int) {
		ok, _ := device.ClassifyAdvertisedName(name)
		if !ok {
			return
		}
		addr = device.NormalizeAddress(addr)
		if addr == "" {
			return
		}
		// latest advertisement wins; updated in place through the stored pointer
		adv, existing := found.GetOrInsert(addr, &device.Advertisement{Address: addr, RSSI: rssi, Name: name})
		if existing {
			adv.RSSI = rssi
			adv.Name = name
			return
		}
		t.logger.WithFields(logrus.Fields{
			"address": addr,
			"name":    name,
			"rssi":    rssi,
		}).Debug("Discovered monitor")
	})
	if err != nil && !isWindowEnd(err) {
		return nil, fmt.Errorf("scan failed: %w", NormalizeError(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]device.Advertisement, 0, found.Len())
	found.Range(func(_ string, adv *device.Advertisement) bool {
		results = append(results, *adv)
		return true
	})
	transport.SortAdvertisements(results)
	return results, nil
}

// FindByAddress implements transport.Transport; it stops as soon as every
// target was seen.
func (t *Transport) FindByAddress(ctx context.Context, addrs []string, window time.Duration) (map[string]transport.Handle, error) {
	targets := transport.Targets(addrs)
	result := make(map[string]transport.Handle, len(targets))
	if len(targets) == 0 {
		return result, nil
	}

	r, err := t.device()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(targets))
	for _, a := range targets {
		wanted[a] = struct{}{}
	}

	found := hashmap.New[string, *handle]()
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	err = r.scan(scanCtx, func(addr, _ string, rssi int) {
		addr = device.NormalizeAddress(addr)
		if _, ok := wanted[addr]; !ok {
			return
		}
		if _, existing := found.GetOrInsert(addr, &handle{addr: addr, rssi: rssi}); existing {
			return
		}
		if found.Len() >= len(wanted) {
			cancel()
		}
	})
	if err != nil && !isWindowEnd(err) {
		return nil, fmt.Errorf("discovery failed: %w", NormalizeError(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found.Range(func(addr string, h *handle) bool {
		result[addr] = h
		return true
	})
	t.logger.WithFields(logrus.Fields{
		"expected": len(targets),
		"found":    len(result),
	}).Debug("Targeted discovery finished")
	return result, nil
}

// ReadOnce implements transport.Transport
func (t *Transport) ReadOnce(ctx context.Context, h transport.Handle, model device.Model, timeout time.Duration) (device.Reading, error) {
	r, err := t.device()
	if err != nil {
		return device.Reading{}, err
	}
	addr := device.NormalizeAddress(h.Address())

	return session.Read(ctx, session.Options{
		Address: addr,
		Model:   model,
		Timeout: timeout,
		Logger:  t.logger,
		Dial: func(ctx context.Context) (session.Client, error) {
			gc, err := r.dial(ctx, addr)
			if err != nil {
				return nil, NormalizeError(err)
			}
			return newClient(gc), nil
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
	if t.radio == nil || t.radio.stop == nil {
		return nil
	}
	if err := t.radio.stop(); err != nil {
		return fmt.Errorf("failed to stop go-ble device: %w", err)
	}
	return nil
}
