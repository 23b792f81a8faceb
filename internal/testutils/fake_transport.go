package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/transport"
)

// ReadCall records one ReadOnce invocation.
type ReadCall struct {
	Address string
	Model   device.Model
}

// FakeTransport is a scripted transport.Transport.
type FakeTransport struct {
	mu sync.Mutex

	Advertisements []device.Advertisement
	ScanErr        error
	FindErr        error
	// Present lists addresses FindByAddress reports as seen.
	Present map[string]bool
	// Read answers ReadOnce; attempt counts calls per address from 1.
	Read func(addr string, model device.Model, attempt int) (device.Reading, error)
	// Delay is applied to every operation.
	Delay time.Duration

	ScanCalls  int
	FindCalls  [][]string
	ReadCalls  []ReadCall
	Shutdowns  int
	attempts   map[string]int
	inFlight   atomic.Int32
	maxFlights atomic.Int32
}

// NewFakeTransport creates a transport that sees the given addresses.
func NewFakeTransport(present ...string) *FakeTransport {
	f := &FakeTransport{Present: map[string]bool{}, attempts: map[string]int{}}
	for _, a := range present {
		f.Present[device.NormalizeAddress(a)] = true
	}
	return f
}

func (f *FakeTransport) enter(ctx context.Context) error {
	n := f.inFlight.Add(1)
	for {
		m := f.maxFlights.Load()
		if n <= m || f.maxFlights.CompareAndSwap(m, n) {
			break
		}
	}
	if f.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeTransport) leave() { f.inFlight.Add(-1) }

// MaxConcurrent returns the highest number of overlapping operations seen.
func (f *FakeTransport) MaxConcurrent() int { return int(f.maxFlights.Load()) }

// Scan implements transport.Transport
func (f *FakeTransport) Scan(ctx context.Context, _ time.Duration) ([]device.Advertisement, error) {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScanCalls++
	if f.ScanErr != nil {
		return nil, f.ScanErr
	}
	return append([]device.Advertisement(nil), f.Advertisements...), nil
}

// FindByAddress implements transport.Transport
func (f *FakeTransport) FindByAddress(ctx context.Context, addrs []string, _ time.Duration) (map[string]transport.Handle, error) {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FindCalls = append(f.FindCalls, append([]string(nil), addrs...))
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	found := make(map[string]transport.Handle)
	for _, a := range transport.Targets(addrs) {
		if f.Present[a] {
			found[a] = transport.AddressHandle(a)
		}
	}
	return found, nil
}

// ReadOnce implements transport.Transport
func (f *FakeTransport) ReadOnce(ctx context.Context, h transport.Handle, model device.Model, _ time.Duration) (device.Reading, error) {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return device.Reading{}, err
	}
	addr := device.NormalizeAddress(h.Address())

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[addr]++
	attempt := f.attempts[addr]
	f.ReadCalls = append(f.ReadCalls, ReadCall{Address: addr, Model: model})
	read := f.Read
	f.mu.Unlock()

	if read == nil {
		return device.Reading{}, device.NewReadError(device.NotificationTimeout, addr, model, nil)
	}
	return read(addr, model, attempt)
}

// Shutdown implements transport.Transport
func (f *FakeTransport) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Shutdowns++
	return nil
}

// Reads returns a copy of the recorded ReadOnce calls.
func (f *FakeTransport) Reads() []ReadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReadCall(nil), f.ReadCalls...)
}
