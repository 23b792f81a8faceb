// Package transport defines the radio contract used by the poller.
//
// Two backends implement it: goble (HCI sockets on Linux, CoreBluetooth on
// macOS, via github.com/go-ble/ble) and bluez (the BlueZ daemon over D-Bus).
// A backend is chosen once at startup by devicefactory; nothing else inspects
// the concrete type.
package transport

import (
	"context"
	"sort"
	"time"

	"github.com/srg/bmbridge/internal/device"
)

// Handle identifies a device located by FindByAddress.
type Handle interface {
	Address() string
}

// Transport is the radio as seen by the poller. Implementations are not
// required to be safe for concurrent use; radio.Serialize provides that.
type Transport interface {
	// Scan listens for advertisements during window and returns the telemetry
	// devices seen, one entry per address. The adapter's prior discovery state
	// is restored afterwards.
	Scan(ctx context.Context, window time.Duration) ([]device.Advertisement, error)

	// FindByAddress looks for the given addresses during window. Devices not
	// seen in time are absent from the result; that is not an error.
	FindByAddress(ctx context.Context, addrs []string, window time.Duration) (map[string]Handle, error)

	// ReadOnce runs one device session bounded by timeout.
	ReadOnce(ctx context.Context, h Handle, model device.Model, timeout time.Duration) (device.Reading, error)

	// Shutdown releases backend resources. It is idempotent.
	Shutdown() error
}

// Targets normalizes, de-duplicates and drops empty addresses.
func Targets(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		n := device.NormalizeAddress(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// SortAdvertisements orders scan results by address.
func SortAdvertisements(advs []device.Advertisement) {
	sort.Slice(advs, func(i, j int) bool {
		return advs[i].Address < advs[j].Address
	})
}

// AddressHandle is a Handle carrying nothing but the address.
type AddressHandle string

// Address implements Handle
func (h AddressHandle) Address() string { return string(h) }
