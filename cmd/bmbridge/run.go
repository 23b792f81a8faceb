package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bmbridge/internal/devicefactory"
	"github.com/srg/bmbridge/internal/influx"
	"github.com/srg/bmbridge/internal/mqtt"
	"github.com/srg/bmbridge/internal/poller"
	"github.com/srg/bmbridge/internal/radio"
	"github.com/srg/bmbridge/internal/transport"
	"github.com/srg/bmbridge/pkg/config"
)

const shutdownTimeout = 10 * time.Second

// notifyContext is cancelled on Ctrl+C or SIGTERM.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// service holds the running components in start order.
type service struct {
	logger    *logrus.Logger
	transport transport.Transport
	client    *mqtt.Client
	sink      *influx.Sink
	bridge    *mqtt.Bridge
	scheduler *poller.Scheduler
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := configureLogger(cmd, cfg)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := notifyContext(cmd.Context())
	defer stop()

	svc, err := startService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return svc.stop(shutdownCtx)
}

// startService wires the radio, the bus, the optional sink and the poller,
// connects to the broker and starts the schedule.
func startService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	bridgeID := cfg.ResolveBridgeID()
	clientID := cfg.ClientID(bridgeID)
	topics := mqtt.Topics{BridgeID: bridgeID}
	logger.WithFields(logrus.Fields{
		"bridgeId": bridgeID,
		"clientId": clientID,
		"base":     topics.Base(),
	}).Info("Bridge identity resolved")

	backend, err := devicefactory.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	raw, _, err := newTransport(backend, cfg.Adapter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE adapter: %w", err)
	}
	svc := &service{
		logger:    logger,
		transport: radio.Serialize(raw, radio.NewQueue(logger)),
	}

	var sinks []poller.ReadingSink
	if cfg.Influx.Enabled {
		sink, err := influx.Connect(ctx, influx.Options{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}, logger)
		if err != nil {
			_ = svc.transport.Shutdown()
			return nil, err
		}
		svc.sink = sink
		sinks = append(sinks, sink)
	}

	svc.client = mqtt.NewClient(mqtt.Options{
		URL:      cfg.MQTT.URL,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: clientID,
		Topics:   topics,
	}, logger)
	publisher := mqtt.NewPublisher(svc.client, topics, cfg.MQTT.DiscoveryPrefix, logger)

	orch := poller.New(poller.Options{
		Transport:       svc.transport,
		Publisher:       publisher,
		Sinks:           sinks,
		Logger:          logger,
		ScanWindow:      cfg.ScanWindow(),
		ConnectScan:     cfg.ConnectScan(),
		ReadTimeout:     cfg.ReadTimeout(),
		FailureBackoff:  cfg.FailureBackoff(),
		RetryDelay:      cfg.RetryDelay(),
		ExpireAfter:     cfg.ExpireAfter(),
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	})
	svc.bridge = mqtt.NewBridge(ctx, svc.client, publisher, orch, logger)
	svc.client.SetOnConnect(svc.bridge.OnConnect)
	svc.client.SetOnDisconnect(func(err error) {
		logger.WithError(err).Warn("MQTT connection lost, reconnecting")
	})

	if err := svc.client.Connect(); err != nil {
		_ = svc.closeBackends()
		return nil, err
	}

	svc.scheduler = poller.NewScheduler(orch, cfg.StartupDelay(), cfg.PollInterval(), logger)
	svc.scheduler.Start(ctx)
	return svc, nil
}

// stop halts polling, announces the bridge offline and releases the
// backends. Every step runs even when an earlier one failed.
func (s *service) stop(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.bridge.Shutdown(ctx)
	s.bridge.Wait()
	return s.closeBackends()
}

func (s *service) closeBackends() error {
	var errs []error
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt close: %w", err))
		}
	}
	if err := s.transport.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("radio shutdown: %w", err))
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("influx close: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Warn("Shutdown incomplete")
		return err
	}
	s.logger.Info("Shutdown complete")
	return nil
}
