package testutils

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/protocol"
	"github.com/srg/bmbridge/internal/session"
)

// FakeCharacteristic is a characteristic known only by UUID.
type FakeCharacteristic struct {
	ID string
}

// UUID implements session.Characteristic
func (c FakeCharacteristic) UUID() string { return c.ID }

// FakePeripheral is an in-memory monitor implementing session.Client.
//
//	p := testutils.NewFakePeripheral().
//	    WithCharacteristics("fff3", "fff4").
//	    RespondWith(testutils.EncryptMessage(msg, device.ModelBM6))
//	reading, err := session.Read(ctx, session.Options{Dial: p.Dial, ...})
type FakePeripheral struct {
	mu sync.Mutex

	chars     []session.Characteristic
	responses [][]byte

	DialErr            error
	DialDelay          time.Duration
	CharacteristicsErr error
	SubscribeErr       error
	UnsubscribeErr     error
	WriteErr           error
	DisconnectErr      error

	handler func([]byte)

	Dials        int
	Subscribes   int
	Unsubscribes int
	Disconnects  int
	Writes       [][]byte
}

// NewFakePeripheral creates a peripheral exposing no characteristics.
func NewFakePeripheral() *FakePeripheral {
	return &FakePeripheral{}
}

// WithCharacteristics adds characteristics by UUID, in any encoding.
func (p *FakePeripheral) WithCharacteristics(uuids ...string) *FakePeripheral {
	for _, u := range uuids {
		p.chars = append(p.chars, FakeCharacteristic{ID: u})
	}
	return p
}

// WithMonitorProfile adds the write and notify characteristics of a monitor.
func (p *FakePeripheral) WithMonitorProfile() *FakePeripheral {
	return p.WithCharacteristics("00002a19-0000-1000-8000-00805f9b34fb", device.WriteCharUUID, "0000FFF4-0000-1000-8000-00805F9B34FB")
}

// RespondWith queues notification payloads delivered after each command write.
func (p *FakePeripheral) RespondWith(payloads ...[]byte) *FakePeripheral {
	p.responses = append(p.responses, payloads...)
	return p
}

// Dial implements session.Dialer
func (p *FakePeripheral) Dial(ctx context.Context) (session.Client, error) {
	p.mu.Lock()
	p.Dials++
	delay, dialErr := p.DialDelay, p.DialErr
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	return p, nil
}

// Characteristics implements session.Client
func (p *FakePeripheral) Characteristics(_ context.Context) ([]session.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CharacteristicsErr != nil {
		return nil, p.CharacteristicsErr
	}
	return append([]session.Characteristic(nil), p.chars...), nil
}

// Subscribe implements session.Client
func (p *FakePeripheral) Subscribe(_ context.Context, _ session.Characteristic, handler func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Subscribes++
	if p.SubscribeErr != nil {
		return p.SubscribeErr
	}
	p.handler = handler
	return nil
}

// Unsubscribe implements session.Client
func (p *FakePeripheral) Unsubscribe(_ context.Context, _ session.Characteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Unsubscribes++
	p.handler = nil
	return p.UnsubscribeErr
}

// Write implements session.Client; queued responses are delivered synchronously.
func (p *FakePeripheral) Write(_ context.Context, _ session.Characteristic, data []byte) error {
	p.mu.Lock()
	p.Writes = append(p.Writes, append([]byte(nil), data...))
	if p.WriteErr != nil {
		err := p.WriteErr
		p.mu.Unlock()
		return err
	}
	handler, responses := p.handler, p.responses
	p.mu.Unlock()

	if handler != nil {
		for _, r := range responses {
			handler(r)
		}
	}
	return nil
}

// Disconnect implements session.Client
func (p *FakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Disconnects++
	return p.DisconnectErr
}

// Notify pushes a payload to the current subscriber, if any.
func (p *FakePeripheral) Notify(data []byte) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// Counters returns dial, subscribe, unsubscribe and disconnect counts.
func (p *FakePeripheral) Counters() (dials, subscribes, unsubscribes, disconnects int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Dials, p.Subscribes, p.Unsubscribes, p.Disconnects
}

// EncryptMessage encrypts a hex message under the model key, as a monitor would.
func EncryptMessage(msgHex string, model device.Model) []byte {
	plain, err := hex.DecodeString(msgHex)
	if err != nil {
		panic(fmt.Sprintf("testutils: invalid hex message %q: %v", msgHex, err))
	}
	out, err := protocol.EncryptBlocks(plain, model)
	if err != nil {
		panic(fmt.Sprintf("testutils: encrypt: %v", err))
	}
	return out
}

// ReadingMessage renders a reading in the monitor's message layout. Negative
// temperatures only parse as BM6 since the BM7 prefix pins the sign byte to 00.
func ReadingMessage(r device.Reading) string {
	sign := "00"
	temp := r.Temperature
	if temp < 0 {
		sign = "01"
		temp = -temp
	}
	volts := int(r.Voltage*100 + 0.5)
	// [0:6] prefix, [6:8] sign, [8:10] temp, [12:14] soc, [15:18] voltage
	msg := fmt.Sprintf("d15507%s%02x00%02x0%03x", sign, temp, r.StateOfCharge, volts)
	for len(msg) < 32 {
		msg += "0"
	}
	return msg
}
