// Package devicefactory picks the radio backend once at startup.
package devicefactory

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/transport"
	"github.com/srg/bmbridge/internal/transport/bluez"
	"github.com/srg/bmbridge/internal/transport/goble"
)

// Backend names a transport implementation.
type Backend string

const (
	BackendAuto  Backend = "auto"
	BackendBlueZ Backend = "bluez"
	BackendGoBLE Backend = "goble"
)

// ParseBackend validates a configured backend name; empty means auto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendBlueZ, BackendGoBLE:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, bluez or goble)", s)
	}
}

// These are variables so that they can be overridden in tests.
var (
	goos           = runtime.GOOS
	bluezAvailable = bluez.Available

	NewBlueZ = func(adapter string, logger *logrus.Logger) transport.Transport {
		return bluez.New(adapter, logger)
	}
	NewGoBLE = func(hciID int, logger *logrus.Logger) transport.Transport {
		return goble.New(hciID, logger)
	}
)

// Resolve turns auto into a concrete backend: BlueZ when the daemon answers
// for the adapter on Linux, go-ble otherwise.
func Resolve(backend Backend, adapter string) Backend {
	if backend != BackendAuto && backend != "" {
		return backend
	}
	if goos == "linux" && bluezAvailable(adapter) {
		return BackendBlueZ
	}
	return BackendGoBLE
}

// New creates the transport for the configured backend and adapter.
func New(backend Backend, adapter string, logger *logrus.Logger) (transport.Transport, Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	resolved := Resolve(backend, adapter)

	var t transport.Transport
	switch resolved {
	case BackendBlueZ:
		t = NewBlueZ(adapter, logger)
	case BackendGoBLE:
		id, err := HCIIndex(adapter)
		if err != nil {
			return nil, "", err
		}
		t = NewGoBLE(id, logger)
	default:
		return nil, "", fmt.Errorf("unknown backend %q", resolved)
	}

	logger.WithFields(logrus.Fields{
		"backend": resolved,
		"adapter": adapter,
	}).Info("Radio backend selected")
	return t, resolved, nil
}

// HCIIndex parses "hci<N>" into N; empty means 0.
func HCIIndex(adapter string) (int, error) {
	adapter = strings.TrimSpace(adapter)
	if adapter == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(adapter, "hci"))
	if err != nil || n < 0 || !strings.HasPrefix(adapter, "hci") {
		return 0, fmt.Errorf("invalid adapter %q (expected hciN)", adapter)
	}
	return n, nil
}
