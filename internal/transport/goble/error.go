package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/bmbridge/internal/device"
)

// NormalizeError maps go-ble error strings to classified errors.
// Scan windows ending normally surface as context errors and are not failures.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrAdapterNotReady, err)
	case containsIgnoreCase(msg, "operation not permitted"):
		// raw HCI sockets need CAP_NET_ADMIN
		return fmt.Errorf("%w: %v", device.ErrAdapterNotReady, err)
	default:
		return device.NormalizeError(err)
	}
}

// isWindowEnd reports whether err only signals the end of a scan window.
func isWindowEnd(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
