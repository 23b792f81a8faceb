package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed radio operation.
type ErrorKind string

const (
	AdapterNotReady        ErrorKind = "adapter_not_ready"
	DeviceNotFound         ErrorKind = "device_not_found"
	ConnectTimeout         ErrorKind = "connect_timeout"
	ConnectFailure         ErrorKind = "connect_failure"
	MissingCharacteristics ErrorKind = "missing_characteristics"
	SubscribeFailure       ErrorKind = "subscribe_failure"
	WriteFailure           ErrorKind = "write_failure"
	NotificationTimeout    ErrorKind = "notification_timeout"
	DisconnectFailure      ErrorKind = "disconnect_failure"
)

// ReadError is a classified failure of a scan, discovery or read.
type ReadError struct {
	Kind    ErrorKind
	Address string
	Model   Model
	Msg     string
	Err     error
}

// Error implements the error interface
func (e *ReadError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Address != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Address)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the backend cause.
func (e *ReadError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ReadError values by Kind
func (e *ReadError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ReadError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind
var (
	ErrAdapterNotReady        = &ReadError{Kind: AdapterNotReady, Msg: "bluetooth adapter not ready"}
	ErrDeviceNotFound         = &ReadError{Kind: DeviceNotFound, Msg: "device not found"}
	ErrConnectTimeout         = &ReadError{Kind: ConnectTimeout, Msg: "timed out connecting"}
	ErrConnectFailure         = &ReadError{Kind: ConnectFailure, Msg: "connect failed"}
	ErrMissingCharacteristics = &ReadError{Kind: MissingCharacteristics, Msg: "missing required characteristics"}
	ErrSubscribeFailure       = &ReadError{Kind: SubscribeFailure, Msg: "subscribe failed"}
	ErrWriteFailure           = &ReadError{Kind: WriteFailure, Msg: "write failed"}
	ErrNotificationTimeout    = &ReadError{Kind: NotificationTimeout, Msg: "timed out waiting for data"}
	ErrDisconnectFailure      = &ReadError{Kind: DisconnectFailure, Msg: "disconnect failed"}
)

// NewReadError builds a classified error for a device.
func NewReadError(kind ErrorKind, addr string, model Model, cause error) *ReadError {
	return &ReadError{Kind: kind, Address: addr, Model: model, Msg: kindMessage(kind, model), Err: cause}
}

func kindMessage(kind ErrorKind, model Model) string {
	label := model.Label()
	switch kind {
	case AdapterNotReady:
		return "bluetooth adapter not ready"
	case DeviceNotFound:
		return "device not found"
	case ConnectTimeout:
		return "timed out connecting to " + label
	case ConnectFailure:
		return "failed to connect to " + label
	case MissingCharacteristics:
		return "missing required characteristics on " + label
	case SubscribeFailure:
		return "failed to subscribe to " + label + " notifications"
	case WriteFailure:
		return "failed to write command to " + label
	case NotificationTimeout:
		return "timed out waiting for " + label + " data"
	case DisconnectFailure:
		return "failed to disconnect from " + label
	default:
		return string(kind)
	}
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var rerr *ReadError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

// IsKind reports whether err is a ReadError with the given kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// NormalizeError maps known backend error strings to classified errors.
// Messages that carry no classification are returned unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "not powered"),
		containsIgnoreCase(msg, "org.bluez.Error.NotReady"),
		containsIgnoreCase(msg, "no bluetooth adapter"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "adapter not ready"):
		return fmt.Errorf("%w: %v", ErrAdapterNotReady, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
