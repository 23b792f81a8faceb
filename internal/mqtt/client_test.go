package mqtt

import (
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/bmbridge/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ClientTestSuite struct {
	suite.Suite
	helper       *testutils.TestHelper
	fake         *fakePaho
	originalPaho func(*pahomqtt.ClientOptions) pahoClient
}

func (s *ClientTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.originalPaho = NewPahoClient
	NewPahoClient = func(opts *pahomqtt.ClientOptions) pahoClient {
		s.fake = newFakePaho(opts)
		return s.fake
	}
}

func (s *ClientTestSuite) TearDownTest() {
	NewPahoClient = s.originalPaho
}

func (s *ClientTestSuite) newClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = "mqtt://localhost:1883"
	}
	if opts.ClientID == "" {
		opts.ClientID = "bm6bm7-bridge"
	}
	return NewClient(opts, s.helper.Logger)
}

func (s *ClientTestSuite) TestOptionsAndLastWill() {
	// GOAL: Verify broker options and the retained offline last will
	//
	// TEST SCENARIO: Client for bridge "ab12" with credentials → will on the bridge availability topic, auth and auto reconnect set

	s.newClient(Options{
		URL:      "mqtts://broker.local:8883",
		Username: "user",
		Password: "secret",
		ClientID: "bm6bm7-bridge-ab12",
		Topics:   Topics{BridgeID: "ab12"},
	})

	opts := s.fake.opts
	s.Require().Len(opts.Servers, 1, "MUST configure exactly one broker")
	s.Equal("broker.local:8883", opts.Servers[0].Host, "broker host MUST come from the URL")
	s.Equal("bm6bm7-bridge-ab12", opts.ClientID, "client id MUST be passed through")
	s.Equal("user", opts.Username, "username MUST be set")
	s.Equal("secret", opts.Password, "password MUST be set")
	s.True(opts.AutoReconnect, "auto reconnect MUST be enabled")
	s.True(opts.WillEnabled, "last will MUST be enabled")
	s.Equal("bm6bm7/ab12/bridge/availability", opts.WillTopic, "last will MUST target the bridge availability topic")
	s.Equal([]byte("offline"), opts.WillPayload, "last will payload MUST be offline")
	s.True(opts.WillRetained, "last will MUST be retained")
	s.NotNil(opts.TLSConfig, "secure scheme MUST enable TLS")
}

func (s *ClientTestSuite) TestPlainSchemeHasNoTLS() {
	// GOAL: Verify TLS is only configured for secure schemes
	//
	// TEST SCENARIO: mqtt:// URL → no TLS config

	s.newClient(Options{URL: "mqtt://localhost:1883"})
	s.Nil(s.fake.opts.TLSConfig, "plain scheme MUST NOT enable TLS")
}

func (s *ClientTestSuite) TestConnectFailure() {
	// GOAL: Verify a refused connection is reported as ErrConnectionFailed
	//
	// TEST SCENARIO: Broker rejects the connect → ErrConnectionFailed wrapping the cause

	c := s.newClient(Options{})
	s.fake.connectErr = errors.New("not authorized")

	err := c.Connect()
	s.Require().Error(err)
	s.ErrorIs(err, ErrConnectionFailed, "MUST wrap ErrConnectionFailed")
	s.Contains(err.Error(), "not authorized", "MUST keep the broker reason")
	s.False(c.IsConnected(), "MUST NOT report connected")
}

func (s *ClientTestSuite) TestPublishRequiresConnection() {
	// GOAL: Verify publishing before connect fails fast
	//
	// TEST SCENARIO: Publish on a fresh client → ErrNotConnected, nothing sent

	c := s.newClient(Options{})
	err := c.Publish("bm6bm7/bridge/state", []byte("{}"), true)
	s.ErrorIs(err, ErrNotConnected, "MUST reject publishes while disconnected")
	s.Empty(s.fake.messages(), "MUST NOT hand anything to paho")

	s.Require().NoError(c.Connect())
	s.ErrorIs(c.Publish("", []byte("x"), false), ErrInvalidTopic, "MUST reject an empty topic")
}

func (s *ClientTestSuite) TestPublishRetained() {
	// GOAL: Verify publish passes topic, QoS and retain flag through
	//
	// TEST SCENARIO: Connected client publishes a retained string → paho receives it unchanged

	c := s.newClient(Options{QoS: 1})
	s.Require().NoError(c.Connect())

	s.Require().NoError(c.PublishString("bm6bm7/aa_bb/availability", "online", true))
	msgs := s.fake.messages()
	s.Require().Len(msgs, 1)
	s.Equal("bm6bm7/aa_bb/availability", msgs[0].topic)
	s.Equal(byte(1), msgs[0].qos, "MUST use the configured QoS")
	s.True(msgs[0].retained, "MUST keep the retain flag")
	s.Equal("online", string(msgs[0].payload))
}

func (s *ClientTestSuite) TestBreakerOpensOnRepeatedTimeouts() {
	// GOAL: Verify repeated publish timeouts open the breaker so later publishes fail fast
	//
	// TEST SCENARIO: Broker stops acknowledging → after 2 failures the breaker opens and returns ErrBrokerUnavailable

	c := s.newClient(Options{BreakerFailures: 2, BreakerTimeout: time.Minute})
	s.Require().NoError(c.Connect())
	s.fake.publishHang = true

	for i := 0; i < 2; i++ {
		err := c.Publish("bm6bm7/bridge/state", []byte("{}"), true)
		s.ErrorIs(err, ErrPublishFailed, "timeouts MUST surface as ErrPublishFailed")
	}
	s.Equal(gobreaker.StateOpen, c.BreakerState(), "breaker MUST open after consecutive failures")

	s.fake.publishHang = false
	err := c.Publish("bm6bm7/bridge/state", []byte("{}"), true)
	s.ErrorIs(err, ErrBrokerUnavailable, "open breaker MUST fail fast")
	s.Empty(s.fake.messages(), "open breaker MUST NOT reach paho")
}

func (s *ClientTestSuite) TestSubscriptionsRestoredOnReconnect() {
	// GOAL: Verify tracked subscriptions are re-issued on every connect and the callback fires afterwards
	//
	// TEST SCENARIO: Subscribe, simulate a reconnect → paho sees the subscription twice, then onConnect runs

	c := s.newClient(Options{})
	s.Require().NoError(c.Connect())

	var got []string
	s.Require().NoError(c.Subscribe("bm6bm7/registry/#", func(topic string, payload []byte) error {
		got = append(got, topic+"="+string(payload))
		return nil
	}))
	s.True(c.HasSubscription("bm6bm7/registry/#"))
	s.Equal(1, c.SubscriptionCount())

	var subsAtCallback int
	c.SetOnConnect(func() {
		s.fake.mu.Lock()
		subsAtCallback = len(s.fake.subCalls)
		s.fake.mu.Unlock()
	})
	s.fake.opts.OnConnectionLost(nil, errors.New("broker gone"))
	s.False(c.IsConnected(), "MUST track the lost connection")

	s.fake.opts.OnConnect(nil)
	s.True(c.IsConnected(), "MUST track the restored connection")
	s.Equal([]string{"bm6bm7/registry/#", "bm6bm7/registry/#"}, s.fake.subCalls, "subscription MUST be restored")
	s.Equal(2, subsAtCallback, "onConnect MUST run after subscriptions are restored")

	s.fake.deliver("bm6bm7/registry/#", "bm6bm7/registry/aa_bb", []byte("x"))
	s.Equal([]string{"bm6bm7/registry/aa_bb=x"}, got, "handler MUST receive topic and payload")
}

func (s *ClientTestSuite) TestHandlerPanicRecovered() {
	// GOAL: Verify a panicking handler does not take down the client
	//
	// TEST SCENARIO: Handler panics → panic is recovered and logged

	logger, buf := testutils.NewCapturingLogger()
	c := NewClient(Options{URL: "mqtt://localhost:1883", ClientID: "x"}, logger)
	s.Require().NoError(c.Connect())
	s.Require().NoError(c.Subscribe("t/#", func(string, []byte) error { panic("boom") }))

	s.NotPanics(func() { s.fake.deliver("t/#", "t/1", nil) })
	s.Contains(buf.String(), "MQTT handler panic recovered", "panic MUST be logged")
}

func (s *ClientTestSuite) TestClose() {
	// GOAL: Verify Close disconnects and clears the connected state
	//
	// TEST SCENARIO: Connected client closed → one disconnect, not connected

	c := s.newClient(Options{})
	s.Require().NoError(c.Connect())
	s.Require().NoError(c.Close())
	s.Equal(1, s.fake.disconnects, "MUST disconnect once")
	s.False(c.IsConnected())
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
