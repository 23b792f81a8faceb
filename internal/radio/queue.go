// Package radio serializes access to the single shared Bluetooth radio.
package radio

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue runs radio operations one at a time in enqueue order.
type Queue struct {
	logger *logrus.Logger

	mu      sync.Mutex
	busy    bool
	current string
	waiters []*waiter
}

type waiter struct {
	op    string
	ready chan struct{}
}

// NewQueue creates an idle queue.
func NewQueue(logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{logger: logger}
}

// Do waits for its turn, then runs fn. A failing fn does not affect later
// operations. If ctx ends while waiting, Do returns ctx.Err() without running fn.
func (q *Queue) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	queued := time.Now()
	if err := q.acquire(ctx, op); err != nil {
		q.logger.WithField("op", op).WithError(err).Debug("Radio operation abandoned while queued")
		return err
	}
	defer q.release()

	q.logger.WithFields(logrus.Fields{
		"op":     op,
		"waited": time.Since(queued).Round(time.Millisecond),
	}).Debug("Radio operation started")
	return fn(ctx)
}

// Pending returns the number of operations waiting for their turn.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Current returns the running operation, or "" when idle.
func (q *Queue) Current() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *Queue) acquire(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.current = op
		q.mu.Unlock()
		return nil
	}
	w := &waiter{op: op, ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-w.ready:
		// handed the slot while giving up: pass it on
		q.mu.Unlock()
		q.release()
		return ctx.Err()
	default:
	}
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	return ctx.Err()
}

func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) == 0 {
		q.busy = false
		q.current = ""
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	q.current = next.op
	close(next.ready)
}
