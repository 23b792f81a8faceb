// Package mqtt connects the bridge to an MQTT broker: the paho client
// wrapper, topic layout, Home Assistant discovery documents, the registry
// codec and the command handlers.
package mqtt

import (
	"errors"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// pahoClient is the part of pahomqtt.Client the wrapper uses.
type pahoClient interface {
	IsConnected() bool
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// NewPahoClient creates the underlying client; replaced in tests.
var NewPahoClient = func(opts *pahomqtt.ClientOptions) pahoClient {
	return pahomqtt.NewClient(opts)
}

// MessageHandler is the callback signature for received messages.
// Returned errors are logged.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client wraps paho.mqtt.golang with connection tracking, subscription
// restore on reconnect and a publish circuit breaker.
//
// All methods are safe for concurrent use.
type Client struct {
	client  pahoClient
	opts    Options
	logger  *logrus.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex
}

// NewClient prepares a client; Connect opens the connection.
func NewClient(opts Options, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	c := &Client{
		opts:          opts,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt:publish",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state change")
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, pahomqtt.ErrNotConnected)
		},
	})

	po := buildClientOptions(opts)
	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	po.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker")
	})
	c.client = NewPahoClient(po)
	return c
}

// Connect establishes the connection to the broker, waiting at most the
// configured connect timeout.
func (c *Client) Connect() error {
	c.logger.WithFields(logrus.Fields{
		"url":      c.opts.URL,
		"clientId": c.opts.ClientID,
	}).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		c.client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, c.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// the connect handler runs asynchronously and may not have fired yet
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	return nil
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("MQTT connected")

	c.restoreSubscriptions()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	c.logger.WithError(err).Warn("MQTT connection lost")

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// errors surface on the next reconnect
		c.client.Subscribe(sub.topic, c.opts.QoS, c.wrapHandler(sub.handler))
	}
}

// Close disconnects from the broker after a quiesce period.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect sets a callback invoked on every (re)connect, after the
// subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// BreakerState reports the publish breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// wrapHandler adds panic recovery and error logging to a handler.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.WithFields(logrus.Fields{
					"topic": msg.Topic(),
					"panic": r,
				}).Error("MQTT handler panic recovered")
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.WithField("topic", msg.Topic()).WithError(err).Warn("MQTT handler returned error")
		}
	}
}
