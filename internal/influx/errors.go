package influx

import "errors"

var (
	// ErrConnectionFailed is returned when the server cannot be reached at startup.
	ErrConnectionFailed = errors.New("influx: connection failed")

	// ErrWriteFailed is returned when a reading could not be stored.
	ErrWriteFailed = errors.New("influx: write failed")
)
