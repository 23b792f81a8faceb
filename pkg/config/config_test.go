package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "mqtt://localhost:1883", cfg.MQTT.URL)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, DefaultClientID, cfg.MQTT.ClientID)
	assert.Equal(t, 7*time.Second, cfg.ScanWindow())
	assert.Equal(t, 20*time.Second, cfg.ConnectScan())
	assert.Equal(t, 20*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 300*time.Second, cfg.PollInterval())
	assert.Equal(t, 300*time.Second, cfg.FailureBackoff())
	assert.Equal(t, 1500*time.Millisecond, cfg.RetryDelay())
	assert.Equal(t, 2*time.Second, cfg.StartupDelay())
	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.False(t, cfg.Influx.Enabled)
	assert.Equal(t, "battery", cfg.Influx.Measurement)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestLoadLegacyJSON(t *testing.T) {
	// GOAL: Verify the legacy JSON config loads with camelCase keys and untouched keys keep defaults
	//
	// TEST SCENARIO: JSON with mqtt block and two timings → values applied, the rest defaulted

	path := writeFile(t, "config.json", `{
  "mqtt": {
    "url": "mqtt://broker.lan:1883",
    "username": "ha",
    "password": "secret",
    "bridgeId": "garage"
  },
  "pollIntervalSec": 60,
  "scanMs": 0
}`)

	_, err := Load(path)
	require.Error(t, err, "explicit zero scan window MUST be rejected")

	path = writeFile(t, "config.json", `{
  "mqtt": {"url": "mqtt://broker.lan:1883", "username": "ha", "bridgeId": "garage"},
  "pollIntervalSec": 60
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mqtt://broker.lan:1883", cfg.MQTT.URL)
	assert.Equal(t, "ha", cfg.MQTT.Username)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix, "unset nested keys MUST keep defaults")
	assert.Equal(t, 60*time.Second, cfg.PollInterval())
	assert.Equal(t, 7*time.Second, cfg.ScanWindow(), "unset keys MUST keep defaults")
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mqtt:
  url: mqtts://broker.lan:8883
backend: bluez
adapter: hci1
logLevel: debug
influx:
  enabled: true
  url: http://influx.lan:8086
  bucket: batteries
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bluez", cfg.Backend)
	assert.Equal(t, "hci1", cfg.Adapter)
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.True(t, cfg.Influx.Enabled)
	assert.Equal(t, "batteries", cfg.Influx.Bucket)
	assert.Equal(t, "battery", cfg.Influx.Measurement)
}

func TestLoadErrors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err, "empty path MUST yield defaults")
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfigNotFound, "missing file MUST be reported")

	_, err = Load(writeFile(t, "bad.yaml", "mqtt: [\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "http scheme", mutate: func(c *Config) { c.MQTT.URL = "http://broker:1883" }, wantErr: "unsupported scheme"},
		{name: "missing host", mutate: func(c *Config) { c.MQTT.URL = "mqtt://" }, wantErr: "missing host"},
		{name: "ws accepted", mutate: func(c *Config) { c.MQTT.URL = "ws://broker:9001/mqtt" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "winrt" }, wantErr: "backend"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "logLevel"},
		{name: "negative backoff", mutate: func(c *Config) { c.FailureBackoffSec = -1 }, wantErr: "failureBackoffSec"},
		{name: "zero startup delay", mutate: func(c *Config) { c.StartupDelayMs = 0 }},
		{name: "influx without url", mutate: func(c *Config) { c.Influx.Enabled = true; c.Influx.URL = "" }, wantErr: "influx.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPollIntervalAndExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollIntervalSec = 2
	assert.Equal(t, 5*time.Second, cfg.PollInterval(), "poll interval MUST be at least 5 s")
	assert.Equal(t, 34*time.Second, cfg.ExpireAfter(), "expiry MUST use the configured interval")

	cfg.PollIntervalSec = 300
	assert.Equal(t, 630*time.Second, cfg.ExpireAfter())
}

func TestResolveBridgeID(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "hci0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hci0", "address"), []byte("DC:A6:32:12:AB:CD\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "rfkill0"), 0o755))

	original := SysfsBluetoothRoot
	SysfsBluetoothRoot = root
	t.Cleanup(func() { SysfsBluetoothRoot = original })

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: ""},
		{raw: "auto", want: "abcd"},
		{raw: " BTMAC4 ", want: "abcd"},
		{raw: "mac4", want: "abcd"},
		{raw: "Garage Pi", want: "garage_pi"},
		{raw: "--x--", want: "x"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.MQTT.BridgeID = tt.raw
		assert.Equal(t, tt.want, cfg.ResolveBridgeID(), "bridge id for %q", tt.raw)
	}

	SysfsBluetoothRoot = filepath.Join(root, "absent")
	cfg := DefaultConfig()
	cfg.MQTT.BridgeID = "auto"
	assert.Equal(t, "", cfg.ResolveBridgeID(), "auto without a controller MUST fall back to default topics")
}

func TestClientID(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "bm6bm7-bridge", cfg.ClientID(""))
	assert.Equal(t, "bm6bm7-bridge-abcd", cfg.ClientID("abcd"), "default id MUST get the bridge suffix")

	cfg.MQTT.ClientID = "garage-bridge"
	assert.Equal(t, "garage-bridge", cfg.ClientID("abcd"), "custom id MUST be kept")

	cfg.MQTT.ClientID = "  "
	assert.Equal(t, "bm6bm7-bridge-abcd", cfg.ClientID("abcd"))
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "falls back to info", logLevel: "", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
