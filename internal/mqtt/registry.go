package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/poller"
)

// registryRecord is the retained registry document.
type registryRecord struct {
	Address   string `json:"address"`
	Model     string `json:"model"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// EncodeRecord renders rec as an indented registry document.
func EncodeRecord(rec device.Record) ([]byte, error) {
	return json.MarshalIndent(registryRecord{
		Address:   rec.Address,
		Model:     string(rec.Model),
		Name:      rec.Name,
		CreatedAt: formatRegistryTime(rec.CreatedAt),
		UpdatedAt: formatRegistryTime(rec.UpdatedAt),
	}, "", "  ")
}

// DecodeRecord parses a registry document. The address is required and
// lowercased; a model other than "bm6"/"bm7" becomes unknown; fields of the
// wrong type are treated as absent.
func DecodeRecord(payload []byte) (device.Record, error) {
	if len(payload) == 0 {
		return device.Record{}, fmt.Errorf("%w: empty payload", ErrInvalidRegistryPayload)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return device.Record{}, fmt.Errorf("%w: %w", ErrInvalidRegistryPayload, err)
	}
	if raw == nil {
		return device.Record{}, fmt.Errorf("%w: not an object", ErrInvalidRegistryPayload)
	}

	addr := device.NormalizeAddress(looseString(raw["address"]))
	if addr == "" {
		return device.Record{}, fmt.Errorf("%w: missing address", ErrInvalidRegistryPayload)
	}

	rec := device.Record{Address: addr}
	if m, ok := raw["model"].(string); ok && (m == string(device.ModelBM6) || m == string(device.ModelBM7)) {
		rec.Model = device.Model(m)
	}
	if name, ok := raw["name"].(string); ok {
		rec.Name = name
	}
	rec.CreatedAt = parseRegistryTime(raw["createdAt"])
	rec.UpdatedAt = parseRegistryTime(raw["updatedAt"])
	return rec, nil
}

func looseString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func formatRegistryTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(poller.TimeFormat)
}

func parseRegistryTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
