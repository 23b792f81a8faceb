package radio

import (
	"context"
	"time"

	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/transport"
)

// serialized routes every radio operation of a Transport through a Queue.
type serialized struct {
	t transport.Transport
	q *Queue
}

// Serialize wraps t so that Scan, FindByAddress and ReadOnce run through q.
// Shutdown bypasses the queue.
func Serialize(t transport.Transport, q *Queue) transport.Transport {
	return &serialized{t: t, q: q}
}

// Scan implements transport.Transport
func (s *serialized) Scan(ctx context.Context, window time.Duration) ([]device.Advertisement, error) {
	var advs []device.Advertisement
	err := s.q.Do(ctx, "scan", func(ctx context.Context) error {
		var err error
		advs, err = s.t.Scan(ctx, window)
		return err
	})
	return advs, err
}

// FindByAddress implements transport.Transport
func (s *serialized) FindByAddress(ctx context.Context, addrs []string, window time.Duration) (map[string]transport.Handle, error) {
	var found map[string]transport.Handle
	err := s.q.Do(ctx, "find", func(ctx context.Context) error {
		var err error
		found, err = s.t.FindByAddress(ctx, addrs, window)
		return err
	})
	return found, err
}

// ReadOnce implements transport.Transport
func (s *serialized) ReadOnce(ctx context.Context, h transport.Handle, model device.Model, timeout time.Duration) (device.Reading, error) {
	var reading device.Reading
	err := s.q.Do(ctx, "read "+h.Address(), func(ctx context.Context) error {
		var err error
		reading, err = s.t.ReadOnce(ctx, h, model, timeout)
		return err
	})
	return reading, err
}

// Shutdown implements transport.Transport
func (s *serialized) Shutdown() error {
	return s.t.Shutdown()
}
