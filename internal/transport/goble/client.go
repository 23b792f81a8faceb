package goble

import (
	"context"
	"errors"

	"github.com/go-ble/ble"
	"github.com/srg/bmbridge/internal/groutine"
	"github.com/srg/bmbridge/internal/session"
)

// gattClient is the part of ble.Client used by a session.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// characteristic adapts *ble.Characteristic to session.Characteristic
type characteristic struct {
	c *ble.Characteristic
}

// UUID implements session.Characteristic
func (ch characteristic) UUID() string {
	return ch.c.UUID.String()
}

// client adapts a go-ble client to session.Client. go-ble calls take no
// context, so blocking calls run through groutine.Call.
type client struct {
	gc gattClient
}

func newClient(gc gattClient) *client {
	return &client{gc: gc}
}

// Characteristics implements session.Client
func (c *client) Characteristics(ctx context.Context) ([]session.Characteristic, error) {
	var profile *ble.Profile
	err := groutine.Call(ctx, "goble-discover-profile", func() error {
		p, err := c.gc.DiscoverProfile(true)
		profile = p
		return err
	})
	if err != nil {
		return nil, NormalizeError(err)
	}
	if profile == nil {
		return nil, nil
	}

	var out []session.Characteristic
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			out = append(out, characteristic{c: ch})
		}
	}
	return out, nil
}

// Subscribe implements session.Client
func (c *client) Subscribe(ctx context.Context, sc session.Characteristic, handler func([]byte)) error {
	ch, err := unwrap(sc)
	if err != nil {
		return err
	}
	return NormalizeError(groutine.Call(ctx, "goble-subscribe", func() error {
		return c.gc.Subscribe(ch, false, handler)
	}))
}

// Unsubscribe implements session.Client
func (c *client) Unsubscribe(ctx context.Context, sc session.Characteristic) error {
	ch, err := unwrap(sc)
	if err != nil {
		return err
	}
	return NormalizeError(groutine.Call(ctx, "goble-unsubscribe", func() error {
		return c.gc.Unsubscribe(ch, false)
	}))
}

// Write implements session.Client; writes are acknowledged (with response).
func (c *client) Write(ctx context.Context, sc session.Characteristic, data []byte) error {
	ch, err := unwrap(sc)
	if err != nil {
		return err
	}
	return NormalizeError(groutine.Call(ctx, "goble-write", func() error {
		return c.gc.WriteCharacteristic(ch, data, false)
	}))
}

// Disconnect implements session.Client
func (c *client) Disconnect() error {
	return NormalizeError(c.gc.CancelConnection())
}

func unwrap(sc session.Characteristic) (*ble.Characteristic, error) {
	ch, ok := sc.(characteristic)
	if !ok || ch.c == nil {
		return nil, errors.New("characteristic does not belong to a go-ble client")
	}
	return ch.c, nil
}
