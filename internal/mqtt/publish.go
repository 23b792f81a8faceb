package mqtt

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

// maxPayloadSize bounds a single message.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic with the configured QoS. While the breaker
// is open publishes fail immediately with ErrBrokerUnavailable.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.publish(topic, payload, retained)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return err
}

func (c *Client) publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, c.opts.QoS, retained, payload)
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, c.opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// PublishString publishes a string payload.
func (c *Client) PublishString(topic, payload string, retained bool) error {
	return c.Publish(topic, []byte(payload), retained)
}
