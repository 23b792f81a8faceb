package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/poller"
)

// DefaultDiscoveryPrefix is Home Assistant's default discovery root.
const DefaultDiscoveryPrefix = "homeassistant"

// messageClient is the part of Client the publisher and bridge use.
type messageClient interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	HasSubscription(topic string) bool
}

// Publisher renders orchestrator events as retained MQTT messages.
type Publisher struct {
	client          messageClient
	topics          Topics
	discoveryPrefix string
	logger          *logrus.Logger
}

var _ poller.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher for one bridge instance.
func NewPublisher(client messageClient, topics Topics, discoveryPrefix string, logger *logrus.Logger) *Publisher {
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		client:          client,
		topics:          topics,
		discoveryPrefix: discoveryPrefix,
		logger:          logger,
	}
}

// Topics returns the topic layout in use.
func (p *Publisher) Topics() Topics { return p.topics }

// PublishReading publishes the three sensor values as plain text.
func (p *Publisher) PublishReading(_ context.Context, addr string, r device.Reading) error {
	values := []struct {
		key   string
		value string
	}{
		{StateVoltage, strconv.FormatFloat(r.Voltage, 'f', -1, 64)},
		{StateBattery, strconv.Itoa(r.StateOfCharge)},
		{StateTemperature, strconv.Itoa(r.Temperature)},
	}
	var errs []error
	for _, v := range values {
		if err := p.client.Publish(p.topics.DeviceState(addr, v.key), []byte(v.value), true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishAvailability publishes "online" or "offline" for addr.
func (p *Publisher) PublishAvailability(_ context.Context, addr string, online bool) error {
	return p.client.Publish(p.topics.DeviceAvailability(addr), []byte(availabilityPayload(online)), true)
}

// PublishDeviceRecord persists rec as a retained registry document.
func (p *Publisher) PublishDeviceRecord(_ context.Context, rec device.Record) error {
	payload, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode registry record: %w", err)
	}
	return p.client.Publish(p.topics.Registry(rec.Address), payload, true)
}

// PublishDiscovery publishes the sensor discovery documents of rec.
func (p *Publisher) PublishDiscovery(_ context.Context, rec device.Record, expireAfter time.Duration) error {
	p.logger.WithFields(logrus.Fields{
		"address": rec.Address,
		"model":   rec.Model,
		"name":    rec.Name,
	}).Debug("Publishing discovery")
	return p.publishDiscovery(SensorConfigs(p.discoveryPrefix, rec, int(expireAfter/time.Second)))
}

// PublishBridgeStatus publishes the bridge status document.
func (p *Publisher) PublishBridgeStatus(_ context.Context, s poller.BridgeStatus) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode bridge status: %w", err)
	}
	return p.client.Publish(p.topics.BridgeState(), payload, true)
}

// PublishBridgeDiscovery publishes the bridge buttons and status sensor.
func (p *Publisher) PublishBridgeDiscovery() error {
	return p.publishDiscovery(BridgeConfigs(p.discoveryPrefix, p.topics))
}

// PublishBridgeAvailability publishes the bridge's own availability.
func (p *Publisher) PublishBridgeAvailability(online bool) error {
	return p.client.Publish(p.topics.BridgeAvailability(), []byte(availabilityPayload(online)), true)
}

func (p *Publisher) publishDiscovery(msgs []DiscoveryMessage) error {
	for _, m := range msgs {
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("encode discovery %s: %w", m.Topic, err)
		}
		if err := p.client.Publish(m.Topic, payload, true); err != nil {
			return err
		}
	}
	return nil
}

func availabilityPayload(online bool) string {
	if online {
		return PayloadOnline
	}
	return PayloadOffline
}
