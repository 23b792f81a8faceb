package session

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. It is used to hand notification payloads from the backend
// callback goroutine to the waiting session.
//
//	rc := NewRingChannel[[]byte](4)
//	rc.ForceSend(payload) // from the BLE callback
//	p := <-rc.C()         // from the session
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Uint64
	overwritten atomic.Uint64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend always succeeds immediately, discarding the oldest element if
// needed. Returns true when an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Written returns how many elements were accepted.
func (rc *RingChannel[T]) Written() uint64 {
	return rc.written.Load()
}

// Overwritten returns how many elements were dropped to make room.
func (rc *RingChannel[T]) Overwritten() uint64 {
	return rc.overwritten.Load()
}
