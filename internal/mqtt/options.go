package mqtt

import (
	"crypto/tls"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for the initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for a publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	defaultKeepAlive      = 60 * time.Second
	defaultMaxReconnect   = 30 * time.Second
	defaultConnectRetry   = 2 * time.Second
	tlsMinVersion         = tls.VersionTLS12
	defaultBreakerFailure = 3
	defaultBreakerTimeout = 30 * time.Second
)

// Options configure a Client.
type Options struct {
	URL      string
	Username string
	Password string
	ClientID string
	Topics   Topics

	// QoS used for every publish and subscription.
	QoS byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration

	// BreakerFailures consecutive publish failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = defaultBreakerFailure
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = defaultBreakerTimeout
	}
	return o
}

// buildClientOptions creates paho options: broker, credentials, auto
// reconnect and TLS for secure schemes.
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.URL)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultConnectRetry)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	// restored by the client itself on every connect
	opts.SetResumeSubs(false)

	if isSecureURL(o.URL) {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	configureLWT(opts, o.Topics, o.QoS)
	return opts
}

// configureLWT makes the broker publish the retained "offline" bridge
// availability when the connection drops without a clean disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics, qos byte) {
	opts.SetWill(topics.BridgeAvailability(), PayloadOffline, qos, true)
}

func isSecureURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "wss", "tcps":
		return true
	}
	return false
}
