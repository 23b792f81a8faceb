package poller

import (
	"context"
	"time"

	"github.com/srg/bmbridge/internal/device"
)

// Publisher receives everything the orchestrator reports to the outside world.
type Publisher interface {
	PublishReading(ctx context.Context, addr string, r device.Reading) error
	PublishAvailability(ctx context.Context, addr string, online bool) error
	PublishDeviceRecord(ctx context.Context, rec device.Record) error
	PublishDiscovery(ctx context.Context, rec device.Record, expireAfter time.Duration) error
	PublishBridgeStatus(ctx context.Context, s BridgeStatus) error
}

// ReadingSink stores successful readings, e.g. in a time-series database.
type ReadingSink interface {
	WriteReading(ctx context.Context, rec device.Record, r device.Reading) error
}

// NopPublisher discards everything; used by the scan command.
type NopPublisher struct{}

func (NopPublisher) PublishReading(context.Context, string, device.Reading) error { return nil }
func (NopPublisher) PublishAvailability(context.Context, string, bool) error { return nil }
func (NopPublisher) PublishDeviceRecord(context.Context, device.Record) error { return nil }
func (NopPublisher) PublishDiscovery(context.Context, device.Record, time.Duration) error {
	return nil
}
func (NopPublisher) PublishBridgeStatus(context.Context, BridgeStatus) error { return nil }
