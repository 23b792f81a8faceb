package device

import (
	"strings"
)

// GATT characteristics used by both models.
const (
	WriteCharUUID  = "fff3"
	NotifyCharUUID = "fff4"
)

// baseUUIDSuffix is the Bluetooth SIG base UUID without its leading 32 bits.
const baseUUIDSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to lowercase without dashes.
// Also strips a 0x prefix if present (e.g., "0xFFF4" -> "fff4").
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	return strings.ReplaceAll(u, "-", "")
}

// ExpandUUID returns the 128-bit form of a UUID. 16-bit and 32-bit short
// forms are placed on the Bluetooth SIG base UUID; longer forms are only
// normalized.
func ExpandUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	default:
		return u
	}
}

// UUIDMatches reports whether candidate, in any encoding, denotes the short UUID.
func UUIDMatches(candidate, short string) bool {
	if candidate == "" || short == "" {
		return false
	}
	return ExpandUUID(candidate) == ExpandUUID(short)
}
