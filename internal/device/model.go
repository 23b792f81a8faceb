package device

import (
	"fmt"
	"strings"
	"time"
)

// Model identifies the protocol variant spoken by a monitor.
type Model string

const (
	ModelUnknown Model = ""
	ModelBM6     Model = "bm6"
	ModelBM7     Model = "bm7"
)

// ParseModel accepts "bm6"/"bm7" in any case; anything else is ModelUnknown.
func ParseModel(s string) Model {
	switch Model(strings.ToLower(strings.TrimSpace(s))) {
	case ModelBM6:
		return ModelBM6
	case ModelBM7:
		return ModelBM7
	default:
		return ModelUnknown
	}
}

// Known reports whether m is one of the supported models.
func (m Model) Known() bool {
	return m == ModelBM6 || m == ModelBM7
}

// Other returns the fallback model used when a read with m times out.
func (m Model) Other() Model {
	switch m {
	case ModelBM6:
		return ModelBM7
	case ModelBM7:
		return ModelBM6
	default:
		return ModelUnknown
	}
}

// Label is the upper-case form used in log and error messages.
func (m Model) Label() string {
	if !m.Known() {
		return "UNKNOWN"
	}
	return strings.ToUpper(string(m))
}

// DisplayName is the human readable hardware name.
func (m Model) DisplayName() string {
	switch m {
	case ModelBM6:
		return "BM6"
	case ModelBM7:
		return "BM7/BM300 Pro"
	default:
		return "Unknown"
	}
}

func (m Model) String() string {
	return string(m)
}

// Record is the identity of a known monitor.
type Record struct {
	Address   string
	Name      string
	Model     Model
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Merge applies incoming over r: non-empty incoming model and name win,
// the earliest known CreatedAt is kept and UpdatedAt becomes now.
func (r Record) Merge(incoming Record, now time.Time) Record {
	merged := Record{
		Address:   r.Address,
		Name:      r.Name,
		Model:     r.Model,
		CreatedAt: r.CreatedAt,
		UpdatedAt: now,
	}
	if merged.Address == "" {
		merged.Address = incoming.Address
	}
	if incoming.Model.Known() {
		merged.Model = incoming.Model
	}
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	switch {
	case merged.CreatedAt.IsZero():
		merged.CreatedAt = incoming.CreatedAt
	case !incoming.CreatedAt.IsZero() && incoming.CreatedAt.Before(merged.CreatedAt):
		merged.CreatedAt = incoming.CreatedAt
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = now
	}
	return merged
}

// Reading is one decoded telemetry sample.
type Reading struct {
	Voltage       float64 // volts, two decimals
	StateOfCharge int     // percent as reported by the device, not clamped
	Temperature   int     // degrees Celsius
}

func (r Reading) String() string {
	return fmt.Sprintf("%.2fV %d%% %dC", r.Voltage, r.StateOfCharge, r.Temperature)
}

// Advertisement is a telemetry device seen during a scan.
type Advertisement struct {
	Address string
	RSSI    int
	Name    string
}

// Model returns the model inferred from the advertised name.
func (a Advertisement) Model() Model {
	_, m := ClassifyAdvertisedName(a.Name)
	return m
}
