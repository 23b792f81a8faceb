package main

import (
	"errors"
	"strings"

	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/influx"
	"github.com/srg/bmbridge/internal/mqtt"
	"github.com/srg/bmbridge/pkg/config"
)

// FormatUserError turns known failures into a one-line hint.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, config.ErrConfigNotFound):
		return err.Error() + " (pass --config with an existing file or omit it for defaults)"
	case errors.Is(err, mqtt.ErrConnectionFailed):
		return err.Error() + " (check mqtt.url and the broker credentials)"
	case errors.Is(err, influx.ErrConnectionFailed):
		return err.Error() + " (check influx.url and influx.token, or set influx.enabled: false)"
	case device.IsKind(err, device.AdapterNotReady):
		return err.Error() + " (is the Bluetooth adapter powered on?)"
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		// errors.Join output: keep the lines, indent the rest
		return msg[:i] + "\n  " + strings.ReplaceAll(msg[i+1:], "\n", "\n  ")
	}
	return msg
}
