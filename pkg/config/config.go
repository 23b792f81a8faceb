// Package config loads the bridge configuration file and derives the
// runtime values: bridge id, client id, timings and the logger.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/devicefactory"
	"gopkg.in/yaml.v3"
)

// DefaultClientID is the MQTT client id used when none is configured.
const DefaultClientID = "bm6bm7-bridge"

// ErrConfigNotFound is returned when the given config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// SysfsBluetoothRoot lists the local controllers; replaced in tests.
var SysfsBluetoothRoot = "/sys/class/bluetooth"

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	URL             string `yaml:"url" default:"mqtt://localhost:1883"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discoveryPrefix" default:"homeassistant"`
	ClientID        string `yaml:"clientId" default:"bm6bm7-bridge"`
	// BridgeID is empty, a literal id, or auto/btmac4/mac4 for the last four
	// hex digits of the local Bluetooth address.
	BridgeID string `yaml:"bridgeId"`
}

// InfluxConfig enables the optional InfluxDB reading sink.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled" default:"false"`
	URL         string `yaml:"url" default:"http://localhost:8086"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket" default:"bm6bm7"`
	Measurement string `yaml:"measurement" default:"battery"`
}

// Config holds application configuration
type Config struct {
	MQTT MQTTConfig `yaml:"mqtt"`

	ScanMs            int `yaml:"scanMs" default:"7000"`
	ConnectScanMs     int `yaml:"connectScanMs" default:"20000"`
	ReadTimeoutMs     int `yaml:"readTimeoutMs" default:"20000"`
	PollIntervalSec   int `yaml:"pollIntervalSec" default:"300"`
	FailureBackoffSec int `yaml:"failureBackoffSec" default:"300"`
	RetryDelayMs      int `yaml:"retryDelayMs" default:"1500"`
	StartupDelayMs    int `yaml:"startupDelayMs" default:"2000"`

	Backend  string `yaml:"backend" default:"auto"`
	Adapter  string `yaml:"adapter" default:"hci0"`
	LogLevel string `yaml:"logLevel" default:"info"`

	Influx InfluxConfig `yaml:"influx"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path yields the defaults;
// a missing file is an error. JSON files are accepted as YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

var brokerSchemes = map[string]bool{
	"mqtt": true, "mqtts": true, "tcp": true, "ssl": true, "ws": true, "wss": true,
}

// Validate checks the values that cannot be defaulted away.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.MQTT.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("mqtt.url: %w", err))
	case !brokerSchemes[strings.ToLower(u.Scheme)]:
		errs = append(errs, fmt.Errorf("mqtt.url: unsupported scheme %q (expected mqtt, mqtts, tcp, ssl, ws or wss)", u.Scheme))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("mqtt.url: missing host"))
	}

	if _, err := devicefactory.ParseBackend(c.Backend); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}

	for _, f := range []struct {
		name     string
		v        int
		positive bool
	}{
		{"scanMs", c.ScanMs, true},
		{"connectScanMs", c.ConnectScanMs, true},
		{"readTimeoutMs", c.ReadTimeoutMs, true},
		{"pollIntervalSec", c.PollIntervalSec, true},
		{"failureBackoffSec", c.FailureBackoffSec, false},
		{"retryDelayMs", c.RetryDelayMs, false},
		{"startupDelayMs", c.StartupDelayMs, false},
	} {
		switch {
		case f.positive && f.v <= 0:
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", f.name, f.v))
		case f.v < 0:
			errs = append(errs, fmt.Errorf("%s: must not be negative, got %d", f.name, f.v))
		}
	}

	if c.Influx.Enabled && c.Influx.URL == "" {
		errs = append(errs, fmt.Errorf("influx.url: required when influx is enabled"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ScanWindow is the advertisement scan duration.
func (c *Config) ScanWindow() time.Duration { return ms(c.ScanMs) }

// ConnectScan bounds the pre-read connect scan.
func (c *Config) ConnectScan() time.Duration { return ms(c.ConnectScanMs) }

// ReadTimeout bounds one read attempt.
func (c *Config) ReadTimeout() time.Duration { return ms(c.ReadTimeoutMs) }

// RetryDelay separates two read attempts with the same model.
func (c *Config) RetryDelay() time.Duration { return ms(c.RetryDelayMs) }

// StartupDelay delays the first poll after start.
func (c *Config) StartupDelay() time.Duration { return ms(c.StartupDelayMs) }

// FailureBackoff is how long a failed device is skipped.
func (c *Config) FailureBackoff() time.Duration {
	return time.Duration(c.FailureBackoffSec) * time.Second
}

// PollInterval is the configured interval, at least five seconds.
func (c *Config) PollInterval() time.Duration {
	d := time.Duration(c.PollIntervalSec) * time.Second
	if d < 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// ExpireAfter is how long Home Assistant keeps a sensor value: two poll
// intervals plus thirty seconds.
func (c *Config) ExpireAfter() time.Duration {
	sec := math.Round(float64(c.PollIntervalSec)*2 + 30)
	if sec < 0 {
		sec = 0
	}
	return time.Duration(sec) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// IsAutoBridgeID reports whether raw asks for the address derived id.
func IsAutoBridgeID(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "auto", "btmac4", "mac4":
		return true
	}
	return false
}

// ResolveBridgeID returns the bridge id for the configured value: the
// normalized literal, or for auto the last four hex digits of the first
// controller address under SysfsBluetoothRoot. An empty result means the
// default topics.
func (c *Config) ResolveBridgeID() string {
	raw := strings.TrimSpace(c.MQTT.BridgeID)
	if raw == "" {
		return ""
	}
	if IsAutoBridgeID(raw) {
		return device.AddressToID(macSuffix(readBluetoothAddress(SysfsBluetoothRoot), 4))
	}
	return device.AddressToID(raw)
}

// ClientID derives the MQTT client id: a custom id is kept, the default id
// gets the bridge id appended.
func (c *Config) ClientID(bridgeID string) string {
	id := strings.TrimSpace(c.MQTT.ClientID)
	if id != "" && (bridgeID == "" || id != DefaultClientID) {
		return id
	}
	if bridgeID != "" {
		return DefaultClientID + "-" + bridgeID
	}
	return DefaultClientID
}

var hciPattern = regexp.MustCompile(`^hci\d+$`)

// readBluetoothAddress returns the address of the first hciN controller.
func readBluetoothAddress(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !hciPattern.MatchString(e.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "address"))
		if err != nil {
			continue
		}
		if addr := strings.TrimSpace(string(raw)); addr != "" {
			return addr
		}
	}
	return ""
}

func macSuffix(mac string, n int) string {
	var hex strings.Builder
	for _, r := range strings.ToLower(mac) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			hex.WriteRune(r)
		}
	}
	s := hex.String()
	if len(s) < n {
		return ""
	}
	return s[len(s)-n:]
}
