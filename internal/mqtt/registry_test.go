package mqtt

import (
	"strings"
	"testing"
	"time"

	"github.com/srg/bmbridge/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRecord(t *testing.T) {
	// GOAL: Verify the registry document layout
	//
	// TEST SCENARIO: Record without timestamps → 2-space indented JSON with empty time strings

	payload, err := EncodeRecord(device.Record{Address: "a4:c1:38:00:11:22", Name: "BM6 a4:c1:38:00:11:22"})
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"{",
		`  "address": "a4:c1:38:00:11:22",`,
		`  "model": "",`,
		`  "name": "BM6 a4:c1:38:00:11:22",`,
		`  "createdAt": "",`,
		`  "updatedAt": ""`,
		"}",
	}, "\n"), string(payload), "registry document MUST be indented with two spaces")
}

func TestDecodeRecord(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		want    device.Record
		wantErr bool
	}{
		{
			name:    "full record",
			payload: `{"address":"A4:C1:38:00:11:22","model":"bm7","name":"Boat","createdAt":"2024-05-01T12:00:00.000Z","updatedAt":""}`,
			want:    device.Record{Address: "a4:c1:38:00:11:22", Model: device.ModelBM7, Name: "Boat", CreatedAt: created},
		},
		{
			name:    "unknown model dropped",
			payload: `{"address":"a4:c1:38:00:11:22","model":"BM6"}`,
			want:    device.Record{Address: "a4:c1:38:00:11:22"},
		},
		{
			name:    "wrong field types treated as absent",
			payload: `{"address":"a4:c1:38:00:11:22","name":42,"createdAt":7}`,
			want:    device.Record{Address: "a4:c1:38:00:11:22"},
		},
		{
			name:    "unparsable time ignored",
			payload: `{"address":"a4:c1:38:00:11:22","updatedAt":"yesterday"}`,
			want:    device.Record{Address: "a4:c1:38:00:11:22"},
		},
		{name: "missing address", payload: `{"model":"bm6"}`, wantErr: true},
		{name: "empty address", payload: `{"address":"  "}`, wantErr: true},
		{name: "not an object", payload: `[1,2]`, wantErr: true},
		{name: "null", payload: `null`, wantErr: true},
		{name: "invalid json", payload: `{`, wantErr: true},
		{name: "empty payload", payload: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRecord([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRegistryPayload, "MUST reject with ErrInvalidRegistryPayload")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Address, got.Address)
			assert.Equal(t, tt.want.Model, got.Model)
			assert.Equal(t, tt.want.Name, got.Name)
			assert.True(t, tt.want.CreatedAt.Equal(got.CreatedAt), "createdAt MUST match")
			assert.True(t, tt.want.UpdatedAt.Equal(got.UpdatedAt), "updatedAt MUST match")
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	// GOAL: Verify a persisted record reads back identically
	//
	// TEST SCENARIO: Encode then decode a complete record → same fields, times equal to the millisecond

	now := time.Date(2024, 5, 1, 12, 30, 15, 250_000_000, time.UTC)
	rec := device.Record{Address: "a4:c1:38:00:11:22", Model: device.ModelBM6, Name: "Car", CreatedAt: now, UpdatedAt: now}

	payload, err := EncodeRecord(rec)
	require.NoError(t, err)
	got, err := DecodeRecord(payload)
	require.NoError(t, err)
	assert.Equal(t, rec.Address, got.Address)
	assert.Equal(t, rec.Model, got.Model)
	assert.Equal(t, rec.Name, got.Name)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestTopics(t *testing.T) {
	def := Topics{}
	assert.Equal(t, "bm6bm7/registry/#", def.RegistryWildcard())
	assert.Equal(t, "bm6bm7/bridge/cmd/#", def.CommandWildcard())
	assert.Equal(t, "bm6bm7/bridge/state", def.BridgeState())

	tb := Topics{BridgeID: "ab12"}
	assert.Equal(t, "bm6bm7/ab12", tb.Base())
	assert.Equal(t, "bm6bm7/ab12/registry/a4_c1_38_00_11_22", tb.Registry("a4:c1:38:00:11:22"))
	assert.Equal(t, "bm6bm7/ab12/bridge/cmd/scan", tb.ScanCommand())
	assert.Equal(t, "bm6bm7/ab12/bridge/cmd/poll", tb.PollCommand())
	assert.True(t, tb.IsRegistry("bm6bm7/ab12/registry/x"))
	assert.False(t, tb.IsRegistry("bm6bm7/registry/x"), "other bridge's registry MUST NOT match")
	assert.Equal(t, "bm6bm7/a4_c1_38_00_11_22/state/battery", tb.DeviceState("a4:c1:38:00:11:22", StateBattery),
		"device topics MUST NOT carry the bridge id")
}
