package mqtt

import (
	"strings"

	"github.com/srg/bmbridge/internal/device"
)

// TopicRoot prefixes every topic the bridge uses.
const TopicRoot = "bm6bm7"

// Payloads of availability topics.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadPress   = "PRESS"
)

// Sensor keys under a device state topic.
const (
	StateVoltage     = "voltage"
	StateBattery     = "battery"
	StateTemperature = "temperature"
)

// Topics builds the topic names of one bridge instance. Registry and bridge
// topics live under the bridge base; device topics are shared between bridges.
type Topics struct {
	BridgeID string
}

// Base is "bm6bm7" or "bm6bm7/<bridgeId>".
func (t Topics) Base() string {
	if t.BridgeID == "" {
		return TopicRoot
	}
	return TopicRoot + "/" + t.BridgeID
}

// RegistryPrefix is the parent of all registry records.
func (t Topics) RegistryPrefix() string { return t.Base() + "/registry" }

// Registry is the retained record topic of addr.
func (t Topics) Registry(addr string) string {
	return t.RegistryPrefix() + "/" + device.AddressToID(addr)
}

// RegistryWildcard matches every registry record.
func (t Topics) RegistryWildcard() string { return t.RegistryPrefix() + "/#" }

// BridgeAvailability carries online/offline and the last will.
func (t Topics) BridgeAvailability() string { return t.Base() + "/bridge/availability" }

// BridgeState carries the retained bridge status document.
func (t Topics) BridgeState() string { return t.Base() + "/bridge/state" }

// CommandPrefix is the parent of the command topics.
func (t Topics) CommandPrefix() string { return t.Base() + "/bridge/cmd" }

// ScanCommand triggers a scan.
func (t Topics) ScanCommand() string { return t.CommandPrefix() + "/scan" }

// PollCommand triggers a poll cycle.
func (t Topics) PollCommand() string { return t.CommandPrefix() + "/poll" }

// CommandWildcard matches every command topic.
func (t Topics) CommandWildcard() string { return t.CommandPrefix() + "/#" }

// IsRegistry reports whether topic is a registry record topic.
func (t Topics) IsRegistry(topic string) bool {
	return strings.HasPrefix(topic, t.RegistryPrefix()+"/")
}

// DeviceAvailability is the availability topic of addr.
func (Topics) DeviceAvailability(addr string) string {
	return TopicRoot + "/" + device.AddressToID(addr) + "/availability"
}

// DeviceState is the state topic of one sensor of addr.
func (Topics) DeviceState(addr, key string) string {
	return TopicRoot + "/" + device.AddressToID(addr) + "/state/" + key
}
