package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadError(t *testing.T) {
	t.Run("compares by kind", func(t *testing.T) {
		err := NewReadError(NotificationTimeout, "aa:bb", ModelBM6, nil)

		assert.ErrorIs(t, err, ErrNotificationTimeout, "MUST match sentinel of the same kind")
		assert.NotErrorIs(t, err, ErrConnectTimeout, "MUST NOT match a different kind")
		assert.Equal(t, "timed out waiting for BM6 data (aa:bb)", err.Error())
	})

	t.Run("survives wrapping", func(t *testing.T) {
		cause := errors.New("hci: connection refused")
		err := fmt.Errorf("attempt 1: %w", NewReadError(ConnectFailure, "aa:bb", ModelBM7, cause))

		assert.ErrorIs(t, err, ErrConnectFailure)
		assert.ErrorIs(t, err, cause, "cause MUST stay reachable")
		assert.Equal(t, ConnectFailure, KindOf(err))
		assert.True(t, IsKind(err, ConnectFailure))
	})

	t.Run("unclassified errors have no kind", func(t *testing.T) {
		assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
		assert.Equal(t, ErrorKind(""), KindOf(nil))
	})
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		kind ErrorKind
	}{
		{name: "darwin powered off", msg: "central manager has invalid state: have=4 want=5: is Bluetooth turned on?", kind: AdapterNotReady},
		{name: "generic powered off", msg: "Bluetooth is turned off", kind: AdapterNotReady},
		{name: "bluez not ready", msg: "org.bluez.Error.NotReady: Resource Not Ready", kind: AdapterNotReady},
		{name: "hci init", msg: "can't init hci: no devices available", kind: AdapterNotReady},
		{name: "unrelated", msg: "connection reset by peer", kind: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(errors.New(tt.msg))
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err), "kind MUST match")
			assert.Contains(t, err.Error(), tt.msg, "original message MUST be preserved")
		})
	}

	assert.NoError(t, NormalizeError(nil))

	classified := NewReadError(WriteFailure, "aa:bb", ModelBM6, nil)
	assert.Same(t, classified, NormalizeError(classified), "classified errors MUST pass through")
}
