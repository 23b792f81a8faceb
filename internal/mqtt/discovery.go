package mqtt

import (
	"github.com/srg/bmbridge/internal/device"
)

// Fixed identity of the Home Assistant devices.
const (
	monitorManufacturer = "BM6/BM7"
	bridgeManufacturer  = "bluetooth-battery-monitor"
	bridgeModel         = "MQTT bridge"
	uniquePrefix        = "bm6bm7"
)

// DeviceInfo groups entities under one Home Assistant device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// EntityConfig is a Home Assistant MQTT discovery document for a sensor or
// a button.
type EntityConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	ObjectID            string     `json:"object_id,omitempty"`
	StateTopic          string     `json:"state_topic,omitempty"`
	CommandTopic        string     `json:"command_topic,omitempty"`
	PayloadPress        string     `json:"payload_press,omitempty"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	ExpireAfter         int        `json:"expire_after,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// DiscoveryMessage is one retained config document and its topic.
type DiscoveryMessage struct {
	Topic   string
	Payload EntityConfig
}

type sensorSpec struct {
	key         string
	name        string
	unit        string
	deviceClass string
}

var monitorSensors = []sensorSpec{
	{key: StateVoltage, name: "Voltage", unit: "V", deviceClass: "voltage"},
	{key: StateBattery, name: "Battery", unit: "%", deviceClass: "battery"},
	{key: StateTemperature, name: "Temperature", unit: "°C", deviceClass: "temperature"},
}

// SensorConfigs builds the voltage, battery and temperature sensors of one
// monitor. expireAfterSec is only set when positive.
func SensorConfigs(prefix string, rec device.Record, expireAfterSec int) []DiscoveryMessage {
	var topics Topics
	id := device.AddressToID(rec.Address)
	info := DeviceInfo{
		Identifiers:  []string{uniquePrefix + "_" + id},
		Name:         rec.Name,
		Manufacturer: monitorManufacturer,
		Model:        rec.Model.DisplayName(),
	}

	out := make([]DiscoveryMessage, 0, len(monitorSensors))
	for _, s := range monitorSensors {
		uid := uniquePrefix + "_" + id + "_" + s.key
		cfg := EntityConfig{
			Name:                s.name,
			UniqueID:            uid,
			ObjectID:            uid,
			StateTopic:          topics.DeviceState(rec.Address, s.key),
			AvailabilityTopic:   topics.DeviceAvailability(rec.Address),
			PayloadAvailable:    PayloadOnline,
			PayloadNotAvailable: PayloadOffline,
			DeviceClass:         s.deviceClass,
			UnitOfMeasurement:   s.unit,
			StateClass:          "measurement",
			Device:              info,
		}
		if expireAfterSec > 0 {
			cfg.ExpireAfter = expireAfterSec
		}
		out = append(out, DiscoveryMessage{
			Topic:   prefix + "/sensor/" + uid + "/config",
			Payload: cfg,
		})
	}
	return out
}

func bridgeUniqueID(bridgeID, suffix string) string {
	return bridgeDeviceID(bridgeID) + "_" + suffix
}

func bridgeDeviceID(bridgeID string) string {
	if bridgeID == "" {
		return uniquePrefix + "_bridge"
	}
	return uniquePrefix + "_bridge_" + bridgeID
}

func bridgeDevice(bridgeID string) DeviceInfo {
	name := "BM6/BM7 Bridge"
	if bridgeID != "" {
		name += " " + bridgeID
	}
	return DeviceInfo{
		Identifiers:  []string{bridgeDeviceID(bridgeID)},
		Name:         name,
		Manufacturer: bridgeManufacturer,
		Model:        bridgeModel,
	}
}

// BridgeConfigs builds the scan and poll buttons and the status sensor of
// the bridge itself.
func BridgeConfigs(prefix string, topics Topics) []DiscoveryMessage {
	id := topics.BridgeID
	button := func(suffix, name, command string) DiscoveryMessage {
		uid := bridgeUniqueID(id, suffix)
		return DiscoveryMessage{
			Topic: prefix + "/button/" + uid + "/config",
			Payload: EntityConfig{
				Name:                name,
				UniqueID:            uid,
				CommandTopic:        command,
				PayloadPress:        PayloadPress,
				AvailabilityTopic:   topics.BridgeAvailability(),
				PayloadAvailable:    PayloadOnline,
				PayloadNotAvailable: PayloadOffline,
				Device:              bridgeDevice(id),
			},
		}
	}

	statusID := bridgeUniqueID(id, "status")
	return []DiscoveryMessage{
		button("scan", "Scan BM6/BM7", topics.ScanCommand()),
		button("update", "Update BM6/BM7 Now", topics.PollCommand()),
		{
			Topic: prefix + "/sensor/" + statusID + "/config",
			Payload: EntityConfig{
				Name:                "BM6/BM7 Bridge Status",
				UniqueID:            statusID,
				StateTopic:          topics.BridgeState(),
				ValueTemplate:       "{{ value_json.status }}",
				JSONAttributesTopic: topics.BridgeState(),
				AvailabilityTopic:   topics.BridgeAvailability(),
				PayloadAvailable:    PayloadOnline,
				PayloadNotAvailable: PayloadOffline,
				EntityCategory:      "diagnostic",
				Icon:                "mdi:bluetooth",
				Device:              bridgeDevice(id),
			},
		},
	}
}
