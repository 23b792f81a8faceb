package poller

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/transport"
)

// target is a device selected for the current cycle.
type target struct {
	rec   device.Record
	model device.Model
}

// TriggerPollNow runs a poll cycle unless one is already running.
func (o *Orchestrator) TriggerPollNow(ctx context.Context) error {
	_, err := o.PollOnce(ctx)
	return err
}

// PollOnce runs one poll cycle. It returns ErrBusy when a cycle is already
// running, and an error when the cycle was aborted.
func (o *Orchestrator) PollOnce(ctx context.Context) (PollResult, error) {
	if !o.pollRunning.CompareAndSwap(false, true) {
		o.logger.Info("Poll requested but already running, ignoring")
		return PollResult{}, ErrBusy
	}
	defer o.pollRunning.Store(false)

	var result PollResult
	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.Status = StatusPolling
		s.LastPollStarted = formatTime(o.now())
		s.LastPollOK = 0
		s.LastPollFail = 0
		s.LastError = ""
	})
	o.logger.WithFields(logrus.Fields{
		"devices":     len(o.addresses()),
		"connectScan": o.connectScan,
		"readTimeout": o.readTimeout,
	}).Info("Poll started")

	if err := o.preScan(ctx); err != nil {
		return result, o.abortPoll(ctx, result, err)
	}

	addrs := o.addresses()
	for _, addr := range addrs {
		if err := o.ensureDiscovery(ctx, addr); err != nil {
			o.logger.WithError(err).Warn("Discovery publish failed")
		}
	}

	targets := o.eligible(ctx, addrs, &result)
	if len(targets) > 0 {
		if err := o.pollTargets(ctx, targets, &result); err != nil {
			return result, o.abortPoll(ctx, result, err)
		}
	}

	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.Status = StatusIdle
		s.LastPollFinished = formatTime(o.now())
		s.LastPollOK = result.OK
		s.LastPollFail = result.Fail
	})
	o.logger.WithFields(logrus.Fields{
		"ok":      result.OK,
		"fail":    result.Fail,
		"skipped": result.Skipped,
	}).Info("Poll finished")
	return result, nil
}

// preScan holds the scan flag so a scan command arriving meanwhile is
// rejected as busy.
func (o *Orchestrator) preScan(ctx context.Context) error {
	if !o.scanRunning.CompareAndSwap(false, true) {
		o.logger.Info("Pre-scan skipped because a scan is already running")
		return nil
	}
	defer o.scanRunning.Store(false)
	advs, err := o.ScanOnce(ctx)
	switch {
	case err == nil:
		o.logger.WithField("found", len(advs)).Debug("Pre-scan finished")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case device.IsKind(err, device.AdapterNotReady):
		return err
	default:
		o.logger.WithError(err).Warn("Pre-scan failed")
		return nil
	}
}

// eligible selects devices with a usable model that are not in backoff.
// Devices without a model are marked unavailable and skipped.
func (o *Orchestrator) eligible(ctx context.Context, addrs []string, result *PollResult) []target {
	now := o.now()
	var targets []target
	var unknown []string

	o.mu.Lock()
	for _, addr := range addrs {
		if until, ok := o.backoff[addr]; ok && now.Before(until) {
			continue
		}
		rec, ok := o.devices.Get(addr)
		if !ok {
			continue
		}
		model := rec.Model
		if !model.Known() {
			model = o.discoveredModels[addr]
		}
		if !model.Known() {
			if !o.modelWarned[addr] {
				o.modelWarned[addr] = true
				o.logger.WithField("address", addr).Warn("Skipping device with unknown model; run a scan or publish a registry record with model bm6/bm7")
			}
			unknown = append(unknown, addr)
			continue
		}
		targets = append(targets, target{rec: *rec, model: model})
	}
	o.mu.Unlock()

	for _, addr := range unknown {
		result.Skipped++
		o.setAvailability(ctx, addr, false)
	}
	return targets
}

func (o *Orchestrator) pollTargets(ctx context.Context, targets []target, result *PollResult) error {
	addrs := make([]string, 0, len(targets))
	for _, t := range targets {
		addrs = append(addrs, t.rec.Address)
	}

	found, err := o.transport.FindByAddress(ctx, addrs, o.connectScan)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connect scan failed: %w", err)
	}
	if len(found) != len(addrs) {
		var missing []string
		for _, a := range addrs {
			if _, ok := found[a]; !ok {
				missing = append(missing, a)
			}
		}
		o.logger.WithFields(logrus.Fields{
			"missing":  missing,
			"found":    len(found),
			"expected": len(addrs),
		}).Info("Devices missing after connect scan")
	}

	for _, t := range targets {
		addr := t.rec.Address
		h, ok := found[addr]
		if !ok {
			o.setAvailability(ctx, addr, false)
			o.logger.WithField("address", addr).Warn("Read failed: device not found in connect scan")
			result.Fail++
			result.Missing = append(result.Missing, addr)
			continue
		}

		reading, model, err := o.readWithRetry(ctx, h, t)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if device.IsKind(err, device.AdapterNotReady) {
				return err
			}
			o.recordFailure(ctx, addr, err)
			result.Fail++
			continue
		}

		if model != t.model {
			o.persistModel(ctx, addr, model)
		}
		o.recordSuccess(ctx, addr, reading)
		result.OK++
	}
	return nil
}

// readWithRetry makes at most two attempts: a notification timeout retries
// with the other model, a missing characteristic or unusable adapter is
// final, anything else retries the same model after RetryDelay.
func (o *Orchestrator) readWithRetry(ctx context.Context, h transport.Handle, t target) (device.Reading, device.Model, error) {
	addr := t.rec.Address
	label := addr
	if t.rec.Name != "" {
		label = fmt.Sprintf("%s (%s)", t.rec.Name, addr)
	}

	reading, err := o.attempt(ctx, h, t.model, 1)
	if err == nil {
		return reading, t.model, nil
	}
	o.logger.WithFields(logrus.Fields{
		"device":  label,
		"attempt": 1,
	}).WithError(err).Warn("Read attempt failed")

	next := t.model
	switch kind := device.KindOf(err); {
	case ctx.Err() != nil:
		return device.Reading{}, t.model, ctx.Err()
	case kind == device.NotificationTimeout:
		next = t.model.Other()
		o.logger.WithFields(logrus.Fields{
			"address": addr,
			"from":    t.model,
			"to":      next,
		}).Info("Retrying with model fallback")
	case kind == device.MissingCharacteristics, kind == device.AdapterNotReady:
		return device.Reading{}, t.model, err
	default:
		if err := o.sleep(ctx, o.retryDelay); err != nil {
			return device.Reading{}, t.model, err
		}
	}

	reading, err = o.attempt(ctx, h, next, 2)
	if err != nil {
		return device.Reading{}, next, err
	}
	return reading, next, nil
}

func (o *Orchestrator) attempt(ctx context.Context, h transport.Handle, model device.Model, n int) (device.Reading, error) {
	o.logger.WithFields(logrus.Fields{
		"address": h.Address(),
		"model":   model,
		"attempt": n,
	}).Info("Read attempt")
	return o.transport.ReadOnce(ctx, h, model, o.readTimeout)
}

// persistModel records a model learned through fallback.
func (o *Orchestrator) persistModel(ctx context.Context, addr string, model device.Model) {
	o.mu.Lock()
	o.discoveredModels[addr] = model
	o.mu.Unlock()

	if _, err := o.upsertRegistry(ctx, device.Record{Address: addr, Model: model}); err != nil {
		o.logger.WithField("address", addr).WithError(err).Warn("Persisting learned model failed")
	}
}

func (o *Orchestrator) recordSuccess(ctx context.Context, addr string, reading device.Reading) {
	rec, _ := o.record(addr)

	if err := o.publisher.PublishReading(ctx, addr, reading); err != nil {
		o.logger.WithField("address", addr).WithError(err).Warn("Reading publish failed")
	}
	for _, sink := range o.sinks {
		if err := sink.WriteReading(ctx, rec, reading); err != nil {
			o.logger.WithField("address", addr).WithError(err).Warn("Reading sink write failed")
		}
	}
	o.setAvailability(ctx, addr, true)

	o.mu.Lock()
	o.lastSeen[addr] = o.now()
	o.lastReading[addr] = reading
	delete(o.backoff, addr)
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"address":     addr,
		"name":        rec.Name,
		"model":       rec.Model,
		"voltage":     reading.Voltage,
		"soc":         reading.StateOfCharge,
		"temperature": reading.Temperature,
	}).Info("Reading ok")
}

func (o *Orchestrator) recordFailure(ctx context.Context, addr string, err error) {
	o.setAvailability(ctx, addr, false)

	until := o.now().Add(o.failureBackoff)
	o.mu.Lock()
	o.backoff[addr] = until
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"address":       addr,
		"kind":          device.KindOf(err),
		"backoff_until": formatTime(until),
	}).WithError(err).Warn("Read failed")
}

// abortPoll records an aborted cycle. Context cancellation is passed through
// without touching the status.
func (o *Orchestrator) abortPoll(ctx context.Context, result PollResult, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.Status = StatusError
		s.LastError = err.Error()
		s.LastPollFinished = formatTime(o.now())
		s.LastPollOK = result.OK
		s.LastPollFail = result.Fail
	})
	o.logger.WithError(err).Error("Poll aborted")
	return err
}
