// Package session runs one connect → discover → subscribe → write → await
// notification → disconnect cycle against a single monitor.
//
// A Session is backend-agnostic: transports adapt their GATT client to the
// Client interface and hand the session a Dialer. The session bounds every
// step by the read timeout and always cleans up, whatever the outcome.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/protocol"
)

const (
	// NotificationBuffer bounds queued notification payloads per session.
	NotificationBuffer = 8

	// CleanupTimeout bounds the best-effort unsubscribe on exit.
	CleanupTimeout = 5 * time.Second
)

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() string
}

// Client is a connected GATT client as seen by a session.
type Client interface {
	Characteristics(ctx context.Context) ([]Characteristic, error)
	Subscribe(ctx context.Context, c Characteristic, handler func(data []byte)) error
	Unsubscribe(ctx context.Context, c Characteristic) error
	Write(ctx context.Context, c Characteristic, data []byte) error
	Disconnect() error
}

// Dialer connects to the monitor. It must honor ctx cancellation.
type Dialer func(ctx context.Context) (Client, error)

// Options configure a session.
type Options struct {
	Address string
	Model   device.Model
	Timeout time.Duration
	Dial    Dialer
	Logger  *logrus.Logger
}

// Session is single-use: Run may be called once.
type Session struct {
	address string
	model   device.Model
	timeout time.Duration
	dial    Dialer
	logger  *logrus.Logger

	mu      sync.Mutex
	state   State
	history []State

	notifications *RingChannel[[]byte]
	detached      atomic.Bool
	started       atomic.Bool

	cleanupOnce sync.Once
	timer       *time.Timer
	client      Client
	notifyChar  Characteristic
	subscribed  bool
}

// New creates a session in the Idle state.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		address:       opts.Address,
		model:         opts.Model,
		timeout:       opts.Timeout,
		dial:          opts.Dial,
		logger:        logger,
		state:         Idle,
		history:       []State{Idle},
		notifications: NewRingChannel[[]byte](NotificationBuffer),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state the session went through, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.history = append(s.history, st)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"model":   s.model,
		"state":   st,
	}).Debug("Session state changed")
}

// Run executes the cycle and returns the first reading that parses, or a
// classified *device.ReadError. Cleanup runs before Run returns.
func (s *Session) Run(ctx context.Context) (device.Reading, error) {
	if !s.started.CompareAndSwap(false, true) {
		return device.Reading{}, errors.New("session already used")
	}
	if s.dial == nil {
		return device.Reading{}, errors.New("session has no dialer")
	}
	if s.timeout <= 0 {
		return device.Reading{}, errors.New("session timeout must be positive")
	}

	command, err := protocol.BuildCommand(s.model)
	if err != nil {
		s.setState(Failed)
		s.setState(Closed)
		return device.Reading{}, err
	}

	reading, err := s.run(ctx, command)
	s.cleanup()
	return reading, err
}

func (s *Session) run(ctx context.Context, command []byte) (device.Reading, error) {
	s.setState(Connecting)
	connectCtx, cancelConnect := context.WithTimeout(ctx, s.timeout)
	client, err := s.dial(connectCtx)
	connectErr := connectCtx.Err()
	cancelConnect()
	if err != nil {
		return s.fail(s.classifyConnect(ctx, connectErr, err))
	}
	if client == nil {
		return s.fail(s.readError(device.ConnectFailure, errors.New("dialer returned no client")))
	}
	s.client = client

	opCtx, cancelOp := context.WithTimeout(ctx, s.timeout)
	defer cancelOp()

	s.setState(DiscoveringServices)
	chars, err := client.Characteristics(opCtx)
	if err != nil {
		return s.fail(s.readError(device.ConnectFailure, device.NormalizeError(err)))
	}
	var writeChar, notifyChar Characteristic
	for _, c := range chars {
		switch {
		case writeChar == nil && device.UUIDMatches(c.UUID(), device.WriteCharUUID):
			writeChar = c
		case notifyChar == nil && device.UUIDMatches(c.UUID(), device.NotifyCharUUID):
			notifyChar = c
		}
	}
	if writeChar == nil || notifyChar == nil {
		return s.fail(s.readError(device.MissingCharacteristics, nil))
	}
	s.notifyChar = notifyChar

	// The notification deadline covers subscribe and write as well.
	s.timer = time.NewTimer(s.timeout)

	s.setState(Subscribing)
	if err := client.Unsubscribe(opCtx, notifyChar); err != nil {
		s.logger.WithField("address", s.address).WithError(err).Debug("Clearing stale subscription failed, ignoring")
	}
	if err := client.Subscribe(opCtx, notifyChar, s.onNotification); err != nil {
		return s.fail(s.readError(device.SubscribeFailure, device.NormalizeError(err)))
	}
	s.subscribed = true

	s.setState(Writing)
	if err := client.Write(opCtx, writeChar, command); err != nil {
		return s.fail(s.readError(device.WriteFailure, device.NormalizeError(err)))
	}

	s.setState(AwaitingNotification)
	for {
		select {
		case payload := <-s.notifications.C():
			reading, ok := protocol.Decode(payload, s.model)
			if !ok {
				s.logger.WithFields(logrus.Fields{
					"address": s.address,
					"model":   s.model,
					"bytes":   len(payload),
				}).Debug("Discarding notification that does not parse")
				continue
			}
			s.setState(Parsed)
			return reading, nil
		case <-s.timer.C:
			s.setState(TimedOut)
			return device.Reading{}, s.readError(device.NotificationTimeout, nil)
		case <-ctx.Done():
			return s.fail(ctx.Err())
		}
	}
}

func (s *Session) classifyConnect(parent context.Context, connectErr, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(connectErr, context.DeadlineExceeded) {
		return s.readError(device.ConnectTimeout, err)
	}
	normalized := device.NormalizeError(err)
	if device.KindOf(normalized) != "" {
		return normalized
	}
	return s.readError(device.ConnectFailure, normalized)
}

func (s *Session) readError(kind device.ErrorKind, cause error) error {
	return device.NewReadError(kind, s.address, s.model, cause)
}

func (s *Session) fail(err error) (device.Reading, error) {
	s.setState(Failed)
	return device.Reading{}, err
}

func (s *Session) onNotification(data []byte) {
	if s.detached.Load() {
		return
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	if s.notifications.ForceSend(payload) {
		s.logger.WithField("address", s.address).Debug("Notification buffer full, dropped oldest payload")
	}
}

// cleanup stops the timer, detaches the handler, unsubscribes and disconnects.
// Errors are logged and never replace the session result.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.detached.Store(true)

		if s.client == nil {
			s.setState(Closed)
			return
		}

		s.setState(Disconnecting)
		if s.subscribed && s.notifyChar != nil {
			ctx, cancel := context.WithTimeout(context.Background(), CleanupTimeout)
			if err := s.client.Unsubscribe(ctx, s.notifyChar); err != nil {
				s.logger.WithField("address", s.address).WithError(err).Debug("Stopping notifications failed, ignoring")
			}
			cancel()
		}

		if err := s.client.Disconnect(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"address": s.address,
				"error":   s.readError(device.DisconnectFailure, err),
			}).Warn("Disconnect failed, ignoring")
		}
		s.setState(Closed)
	})
}

// Read is a convenience wrapper running a fresh session.
func Read(ctx context.Context, opts Options) (device.Reading, error) {
	return New(opts).Run(ctx)
}
