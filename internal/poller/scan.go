package poller

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
)

// ScanOnce runs an advertisement scan and folds the results into the device
// table: new devices get a default name, empty models and names are filled.
func (o *Orchestrator) ScanOnce(ctx context.Context) ([]device.Advertisement, error) {
	advs, err := o.transport.Scan(ctx, o.scanWindow)
	if err != nil {
		return nil, err
	}

	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range advs {
		addr := device.NormalizeAddress(advs[i].Address)
		if addr == "" {
			continue
		}
		advs[i].Address = addr
		model := advs[i].Model()
		if model.Known() {
			o.discoveredModels[addr] = model
		}
		o.lastSeen[addr] = now

		rec, ok := o.devices.Get(addr)
		if !ok {
			o.devices.Set(addr, &device.Record{
				Address: addr,
				Name:    device.DefaultName(model, addr),
				Model:   model,
			})
			continue
		}
		if !rec.Model.Known() && model.Known() {
			rec.Model = model
		}
		if rec.Name == "" {
			rec.Name = device.DefaultName(model, addr)
		}
	}
	return advs, nil
}

// TriggerScan runs the scan command unless a scan is already running, in
// which case the status records the rejection and ErrBusy is returned.
func (o *Orchestrator) TriggerScan(ctx context.Context) error {
	if !o.scanRunning.CompareAndSwap(false, true) {
		o.logger.Info("Scan requested but already running, ignoring")
		o.updateStatus(ctx, func(s *BridgeStatus) {
			s.LastError = "Scan already in progress"
		})
		return ErrBusy
	}
	defer o.scanRunning.Store(false)
	return o.RunScanCommand(ctx)
}

// RunScanCommand scans and persists every monitor found to the registry.
func (o *Orchestrator) RunScanCommand(ctx context.Context) error {
	o.logger.Info("Scan command received")
	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.Status = StatusScanning
		s.LastScanStarted = formatTime(o.now())
		s.LastScanFound = 0
		s.LastError = ""
	})

	advs, err := o.ScanOnce(ctx)
	if err != nil {
		o.updateStatus(ctx, func(s *BridgeStatus) {
			s.Status = StatusError
			s.LastError = err.Error()
			s.LastScanFinished = formatTime(o.now())
		})
		o.logger.WithError(err).Error("Scan command failed")
		return err
	}
	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.LastScanFound = len(advs)
	})
	o.logger.WithField("found", len(advs)).Info("Scan finished")

	for _, adv := range advs {
		model := adv.Model()
		name := ""
		if rec, ok := o.record(adv.Address); !ok || rec.Name == "" {
			name = device.DefaultName(model, adv.Address)
		}
		if _, err := o.upsertRegistry(ctx, device.Record{Address: adv.Address, Model: model, Name: name}); err != nil {
			o.logger.WithFields(logrus.Fields{"address": adv.Address}).WithError(err).Warn("Registry upsert failed")
		}
	}

	o.updateStatus(ctx, func(s *BridgeStatus) {
		s.Status = StatusIdle
		s.LastScanFinished = formatTime(o.now())
	})
	return nil
}
