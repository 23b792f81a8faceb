// Package poller owns the device table and runs scan and poll cycles over the
// serialized radio: per-device backoff, edge-triggered availability,
// discovery signatures and the read retry policy.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/transport"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrBusy is returned when the requested operation is already running.
var ErrBusy = errors.New("operation already in progress")

// Default timings.
const (
	DefaultScanWindow     = 7 * time.Second
	DefaultConnectScan    = 20 * time.Second
	DefaultReadTimeout    = 20 * time.Second
	DefaultFailureBackoff = 300 * time.Second
	DefaultRetryDelay     = 1500 * time.Millisecond
)

// Options configure an Orchestrator. Zero durations take the defaults.
type Options struct {
	// Transport should already be wrapped by radio.Serialize.
	Transport transport.Transport
	Publisher Publisher
	Sinks     []ReadingSink
	Logger    *logrus.Logger

	ScanWindow      time.Duration
	ConnectScan     time.Duration
	ReadTimeout     time.Duration
	FailureBackoff  time.Duration
	RetryDelay      time.Duration
	ExpireAfter     time.Duration
	DiscoveryPrefix string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator is the only owner of device state.
type Orchestrator struct {
	transport transport.Transport
	publisher Publisher
	sinks     []ReadingSink
	logger    *logrus.Logger

	scanWindow      time.Duration
	connectScan     time.Duration
	readTimeout     time.Duration
	failureBackoff  time.Duration
	retryDelay      time.Duration
	expireAfter     time.Duration
	discoveryPrefix string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	devices          *orderedmap.OrderedMap[string, *device.Record]
	discoveredModels map[string]device.Model
	signatures       map[string]string
	availability     map[string]bool
	backoff          map[string]time.Time
	lastSeen         map[string]time.Time
	lastReading      map[string]device.Reading
	modelWarned      map[string]bool
	status           BridgeStatus

	scanRunning atomic.Bool
	pollRunning atomic.Bool
}

// New creates an orchestrator in the "starting" state.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		transport:        opts.Transport,
		publisher:        opts.Publisher,
		sinks:            opts.Sinks,
		logger:           opts.Logger,
		scanWindow:       orDefault(opts.ScanWindow, DefaultScanWindow),
		connectScan:      orDefault(opts.ConnectScan, DefaultConnectScan),
		readTimeout:      orDefault(opts.ReadTimeout, DefaultReadTimeout),
		failureBackoff:   opts.FailureBackoff,
		retryDelay:       orDefault(opts.RetryDelay, DefaultRetryDelay),
		expireAfter:      opts.ExpireAfter,
		discoveryPrefix:  opts.DiscoveryPrefix,
		now:              opts.Now,
		sleep:            opts.Sleep,
		devices:          orderedmap.New[string, *device.Record](),
		discoveredModels: make(map[string]device.Model),
		signatures:       make(map[string]string),
		availability:     make(map[string]bool),
		backoff:          make(map[string]time.Time),
		lastSeen:         make(map[string]time.Time),
		lastReading:      make(map[string]device.Reading),
		modelWarned:      make(map[string]bool),
	}
	if o.publisher == nil {
		o.publisher = NopPublisher{}
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	// failures always wait at least one second
	if o.failureBackoff < time.Second {
		o.failureBackoff = time.Second
	}
	o.status = BridgeStatus{Status: StatusStarting, UpdatedAt: formatTime(o.now())}
	return o
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start marks the bridge ready (called once the bus connection is up).
func (o *Orchestrator) Start(ctx context.Context) {
	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.Status = StatusIdle
		s.LastError = ""
	})
}

// Shutdown marks every known device unavailable.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, addr := range o.addresses() {
		o.setAvailability(ctx, addr, false)
	}
}

// Status returns a copy of the bridge status.
func (o *Orchestrator) Status() BridgeStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.DevicesKnown = o.devices.Len()
	return s
}

// SetNextPoll announces when the next scheduled poll runs.
func (o *Orchestrator) SetNextPoll(ctx context.Context, at time.Time) {
	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.NextPollAt = formatTime(at)
	})
	o.logger.WithField("at", formatTime(at)).Info("Next poll scheduled")
}

// Devices returns per-device snapshots in first-seen order.
func (o *Orchestrator) Devices() []DeviceStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]DeviceStatus, 0, o.devices.Len())
	for pair := o.devices.Oldest(); pair != nil; pair = pair.Next() {
		addr := pair.Key
		ds := DeviceStatus{
			Record:       *pair.Value,
			BackoffUntil: o.backoff[addr],
			LastSeen:     o.lastSeen[addr],
		}
		if online, ok := o.availability[addr]; ok {
			ds.Available = &online
		}
		if r, ok := o.lastReading[addr]; ok {
			ds.LastReading = &r
		}
		out = append(out, ds)
	}
	return out
}

func (o *Orchestrator) addresses() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, o.devices.Len())
	for pair := o.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (o *Orchestrator) record(addr string) (device.Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.devices.Get(addr)
	if !ok {
		return device.Record{}, false
	}
	return *rec, true
}

// updateStatus applies patch and publishes the resulting snapshot.
// Publish failures are logged only.
func (o *Orchestrator) updateStatus(ctx context.Context, patch func(s *BridgeStatus)) {
	o.mu.Lock()
	patch(&o.status)
	o.status.DevicesKnown = o.devices.Len()
	o.status.UpdatedAt = formatTime(o.now())
	snapshot := o.status
	o.mu.Unlock()

	if err := o.publisher.PublishBridgeStatus(ctx, snapshot); err != nil {
		o.logger.WithError(err).Warn("Bridge status publish failed")
	}
}

// setAvailability publishes only when the value changes.
func (o *Orchestrator) setAvailability(ctx context.Context, addr string, online bool) {
	o.mu.Lock()
	prev, known := o.availability[addr]
	if known && prev == online {
		o.mu.Unlock()
		return
	}
	o.availability[addr] = online
	o.mu.Unlock()

	if err := o.publisher.PublishAvailability(ctx, addr, online); err != nil {
		o.logger.WithField("address", addr).WithError(err).Warn("Availability publish failed")
	}
}

func (o *Orchestrator) signature(rec device.Record) string {
	return fmt.Sprintf("%s|%s|%s|%d", rec.Model, rec.Name, o.discoveryPrefix, int(o.expireAfter/time.Second))
}

// ensureDiscovery publishes discovery documents unless the device's
// signature is unchanged since the last publish.
func (o *Orchestrator) ensureDiscovery(ctx context.Context, addr string) error {
	o.mu.Lock()
	rec, ok := o.devices.Get(addr)
	if !ok {
		o.mu.Unlock()
		return nil
	}
	if rec.Model == device.ModelUnknown {
		rec.Model = o.discoveredModels[addr]
	}
	sig := o.signature(*rec)
	if o.signatures[addr] == sig {
		o.mu.Unlock()
		return nil
	}
	snapshot := *rec
	o.mu.Unlock()

	if err := o.publisher.PublishDiscovery(ctx, snapshot, o.expireAfter); err != nil {
		return fmt.Errorf("discovery publish for %s: %w", addr, err)
	}

	o.mu.Lock()
	o.signatures[addr] = sig
	o.mu.Unlock()
	return nil
}

// upsertRegistry merges rec into the table, persists it on the bus and
// re-publishes discovery.
func (o *Orchestrator) upsertRegistry(ctx context.Context, rec device.Record) (device.Record, error) {
	now := o.now()

	o.mu.Lock()
	var merged device.Record
	if existing, ok := o.devices.Get(rec.Address); ok {
		merged = existing.Merge(rec, now)
	} else {
		merged = device.Record{}.Merge(rec, now)
	}
	o.devices.Set(merged.Address, &merged)
	delete(o.signatures, merged.Address)
	o.mu.Unlock()

	var errs []error
	if err := o.publisher.PublishDeviceRecord(ctx, merged); err != nil {
		errs = append(errs, fmt.Errorf("registry publish for %s: %w", merged.Address, err))
	}
	if err := o.ensureDiscovery(ctx, merged.Address); err != nil {
		errs = append(errs, err)
	}
	o.updateStatus(ctx, func(*BridgeStatus) {})
	return merged, errors.Join(errs...)
}

// ApplyExternalRecord merges a registry record received from the bus.
// Records without a valid address are ignored.
func (o *Orchestrator) ApplyExternalRecord(ctx context.Context, rec device.Record) (device.Record, bool) {
	rec.Address = device.NormalizeAddress(rec.Address)
	if rec.Address == "" {
		return device.Record{}, false
	}
	now := o.now()

	o.mu.Lock()
	var merged device.Record
	if existing, ok := o.devices.Get(rec.Address); ok {
		merged = existing.Merge(rec, now)
	} else {
		merged = device.Record{}.Merge(rec, now)
	}
	if !rec.UpdatedAt.IsZero() {
		merged.UpdatedAt = rec.UpdatedAt
	}
	o.devices.Set(merged.Address, &merged)
	delete(o.signatures, merged.Address)
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"address": merged.Address,
		"model":   merged.Model,
		"name":    merged.Name,
	}).Debug("Registry record applied")

	if err := o.ensureDiscovery(ctx, merged.Address); err != nil {
		o.logger.WithError(err).Warn("Discovery publish failed")
	}
	o.updateStatus(ctx, func(*BridgeStatus) {})
	return merged, true
}
