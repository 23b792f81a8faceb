package mqtt

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/groutine"
	"github.com/srg/bmbridge/internal/poller"
)

// Controller is the orchestrator surface driven by bus messages.
type Controller interface {
	Start(ctx context.Context)
	Shutdown(ctx context.Context)
	ApplyExternalRecord(ctx context.Context, rec device.Record) (device.Record, bool)
	TriggerScan(ctx context.Context) error
	TriggerPollNow(ctx context.Context) error
}

// Bridge connects the controller to the bus: it announces the bridge on
// every connect, feeds registry records in and runs commands.
type Bridge struct {
	ctx        context.Context
	client     messageClient
	publisher  *Publisher
	controller Controller
	logger     *logrus.Logger

	wg sync.WaitGroup
}

// NewBridge creates a bridge; commands run under ctx.
func NewBridge(ctx context.Context, client messageClient, publisher *Publisher, controller Controller, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		ctx:        ctx,
		client:     client,
		publisher:  publisher,
		controller: controller,
		logger:     logger,
	}
}

// OnConnect announces the bridge: availability, discovery, subscriptions
// and the idle status.
func (b *Bridge) OnConnect() {
	if err := b.publisher.PublishBridgeAvailability(true); err != nil {
		b.logger.WithError(err).Warn("Bridge availability publish failed")
	}
	if err := b.publisher.PublishBridgeDiscovery(); err != nil {
		b.logger.WithError(err).Warn("Bridge discovery publish failed")
	}

	topics := b.publisher.Topics()
	for _, topic := range []string{topics.RegistryWildcard(), topics.CommandWildcard()} {
		if b.client.HasSubscription(topic) {
			continue
		}
		if err := b.client.Subscribe(topic, b.HandleMessage); err != nil {
			b.logger.WithField("topic", topic).WithError(err).Error("Subscribe failed")
		}
	}

	b.controller.Start(b.ctx)
}

// HandleMessage dispatches one received message.
func (b *Bridge) HandleMessage(topic string, payload []byte) error {
	topics := b.publisher.Topics()
	switch {
	case topics.IsRegistry(topic):
		return b.handleRegistry(topic, payload)
	case topic == topics.ScanCommand():
		if !isPress(payload) {
			return nil
		}
		b.run("mqtt-command-scan", func(ctx context.Context) error {
			return b.controller.TriggerScan(ctx)
		})
	case topic == topics.PollCommand():
		if !isPress(payload) {
			return nil
		}
		b.logger.Info("Poll command received")
		b.run("mqtt-command-poll", func(ctx context.Context) error {
			return b.controller.TriggerPollNow(ctx)
		})
	}
	return nil
}

func (b *Bridge) handleRegistry(topic string, payload []byte) error {
	rec, err := DecodeRecord(payload)
	if err != nil {
		b.logger.WithField("topic", topic).WithError(err).Debug("Ignoring registry message")
		return nil
	}
	if _, ok := b.controller.ApplyExternalRecord(b.ctx, rec); !ok {
		b.logger.WithField("topic", topic).Debug("Registry record rejected")
	}
	return nil
}

// run executes a command off the message callback goroutine.
func (b *Bridge) run(name string, fn func(ctx context.Context) error) {
	b.wg.Add(1)
	groutine.GoSafe(b.ctx, name, b.logger, func(ctx context.Context) {
		defer b.wg.Done()
		err := fn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, poller.ErrBusy):
			b.logger.WithField("command", name).Info("Command ignored, already running")
		case ctx.Err() != nil:
		default:
			b.logger.WithField("command", name).WithError(err).Error("Command failed")
		}
	})
}

// Wait blocks until all running commands have returned.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Shutdown publishes the bridge offline and marks every device unavailable.
func (b *Bridge) Shutdown(ctx context.Context) {
	if err := b.publisher.PublishBridgeAvailability(false); err != nil {
		b.logger.WithError(err).Warn("Bridge offline publish failed")
	}
	b.controller.Shutdown(ctx)
}

// isPress accepts an empty payload or "PRESS".
func isPress(payload []byte) bool {
	return len(payload) == 0 || string(payload) == PayloadPress
}
