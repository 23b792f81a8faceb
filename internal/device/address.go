package device

import (
	"strings"
)

// Advertised names of the supported monitors.
const (
	AdvertisedNameBM6 = "BM6"
	AdvertisedNameBM7 = "BM300 Pro"
)

// NormalizeAddress returns the canonical form of a hardware address: trimmed
// and lowercased. Empty input yields "" which is never a valid key.
func NormalizeAddress(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ClassifyAdvertisedName maps an advertised local name to a model.
// Only the two known names, compared exactly, are telemetry devices.
func ClassifyAdvertisedName(name string) (bool, Model) {
	switch name {
	case AdvertisedNameBM6:
		return true, ModelBM6
	case AdvertisedNameBM7:
		return true, ModelBM7
	default:
		return false, ModelUnknown
	}
}

// AddressToID turns an address (or any free-form id) into a topic-safe
// identifier: lowercase, non-alphanumeric runs collapsed to "_", trimmed.
func AddressToID(addr string) string {
	var b strings.Builder
	b.Grow(len(addr))
	pendingSep := false
	for _, r := range strings.ToLower(addr) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// DefaultName is the name given to a monitor first seen during a scan.
func DefaultName(model Model, addr string) string {
	if model == ModelBM6 {
		return "BM6 " + addr
	}
	return "BM7 " + addr
}
