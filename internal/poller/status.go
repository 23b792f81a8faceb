package poller

import (
	"time"

	"github.com/srg/bmbridge/internal/device"
)

// Bridge status values.
const (
	StatusStarting = "starting"
	StatusIdle     = "idle"
	StatusPolling  = "polling"
	StatusScanning = "scanning"
	StatusError    = "error"
)

// TimeFormat renders status timestamps (UTC, milliseconds).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// BridgeStatus is the bridge state snapshot published after every change.
type BridgeStatus struct {
	Status           string `json:"status"`
	DevicesKnown     int    `json:"devices_known"`
	LastScanStarted  string `json:"last_scan_started"`
	LastScanFinished string `json:"last_scan_finished"`
	LastScanFound    int    `json:"last_scan_found"`
	LastPollStarted  string `json:"last_poll_started"`
	LastPollFinished string `json:"last_poll_finished"`
	LastPollOK       int    `json:"last_poll_ok"`
	LastPollFail     int    `json:"last_poll_fail"`
	NextPollAt       string `json:"next_poll_at"`
	LastError        string `json:"last_error"`
	UpdatedAt        string `json:"updated_at"`
}

// DeviceStatus is a per-device snapshot for logs and the CLI.
type DeviceStatus struct {
	Record       device.Record
	Available    *bool
	BackoffUntil time.Time
	LastSeen     time.Time
	LastReading  *device.Reading
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	OK      int
	Fail    int
	Skipped int
	Missing []string
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}
