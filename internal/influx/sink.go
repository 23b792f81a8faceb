// Package influx stores successful readings in InfluxDB v2.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/poller"
)

const (
	// DefaultMeasurement is used when none is configured.
	DefaultMeasurement = "battery"

	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 10 // seconds
)

// Options configure the sink.
type Options struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Sink writes one point per reading: tags address, model and name; fields
// voltage, soc and temperature.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	logger      *logrus.Logger
	now         func() time.Time
}

var _ poller.ReadingSink = (*Sink)(nil)

// Connect creates the client and verifies the server answers a ping.
func Connect(ctx context.Context, opts Options, logger *logrus.Logger) (*Sink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Measurement == "" {
		opts.Measurement = DefaultMeasurement
	}

	client := influxdb2.NewClientWithOptions(
		opts.URL,
		opts.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(defaultRequestTimeout),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	logger.WithFields(logrus.Fields{
		"url":         opts.URL,
		"bucket":      opts.Bucket,
		"measurement": opts.Measurement,
	}).Info("InfluxDB sink connected")

	return &Sink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(opts.Org, opts.Bucket),
		measurement: opts.Measurement,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// NewPoint builds the point stored for one reading.
func NewPoint(measurement string, rec device.Record, r device.Reading, ts time.Time) *write.Point {
	tags := map[string]string{
		"address": rec.Address,
		"model":   rec.Model.String(),
	}
	if rec.Name != "" {
		tags["name"] = rec.Name
	}
	return write.NewPoint(
		measurement,
		tags,
		map[string]interface{}{
			"voltage":     r.Voltage,
			"soc":         r.StateOfCharge,
			"temperature": r.Temperature,
		},
		ts,
	)
}

// WriteReading stores r synchronously.
func (s *Sink) WriteReading(ctx context.Context, rec device.Record, r device.Reading) error {
	point := NewPoint(s.measurement, rec, r, s.now())
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, rec.Address, err)
	}
	s.logger.WithField("address", rec.Address).Debug("Reading stored")
	return nil
}

// Close releases the HTTP client.
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	s.client.Close()
	return nil
}
