package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bmbridge/internal/device"
	"github.com/srg/bmbridge/internal/influx"
	"github.com/srg/bmbridge/internal/mqtt"
	"github.com/srg/bmbridge/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "missing config",
			err:  fmt.Errorf("%w: /etc/bm.yaml", config.ErrConfigNotFound),
			want: "config file not found: /etc/bm.yaml (pass --config with an existing file or omit it for defaults)",
		},
		{
			name: "broker unreachable",
			err:  fmt.Errorf("%w: dial tcp: connection refused", mqtt.ErrConnectionFailed),
			want: mqtt.ErrConnectionFailed.Error() + ": dial tcp: connection refused (check mqtt.url and the broker credentials)",
		},
		{
			name: "influx unreachable",
			err:  fmt.Errorf("%w: server not healthy", influx.ErrConnectionFailed),
			want: influx.ErrConnectionFailed.Error() + ": server not healthy (check influx.url and influx.token, or set influx.enabled: false)",
		},
		{
			name: "adapter down",
			err:  device.ErrAdapterNotReady,
			want: "bluetooth adapter not ready (is the Bluetooth adapter powered on?)",
		},
		{
			name: "joined validation errors",
			err:  fmt.Errorf("invalid config x: %w", errors.Join(errors.New("a"), errors.New("b"))),
			want: "invalid config x: a\n  b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

type RootTestSuite struct {
	CommandTestSuite
}

func (s *RootTestSuite) probe() (*cobra.Command, **config.Config) {
	var got *config.Config
	cmd := &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			got = cfg
			return err
		},
	}
	return cmd, &got
}

func (s *RootTestSuite) TestLogLevelOverrides() {
	// GOAL: Verify --log-level beats --verbose, and both beat the config file
	//
	// TEST SCENARIO: config logLevel=warn → flags applied in turn → resulting level checked

	path := filepath.Join(s.T().TempDir(), "config.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("logLevel: warn\n"), 0o600))

	tests := []struct {
		args []string
		want logrus.Level
	}{
		{args: []string{"probe", "-c", path}, want: logrus.WarnLevel},
		{args: []string{"probe", "-c", path, "--verbose"}, want: logrus.DebugLevel},
		{args: []string{"probe", "-c", path, "--verbose", "--log-level=error"}, want: logrus.ErrorLevel},
	}
	for _, tt := range tests {
		cmd, got := s.probe()
		_, _, err := s.ExecuteCommand(s.NewRoot(cmd), tt.args...)
		s.Require().NoError(err)
		s.Equal(tt.want, (*got).Level(), "args %v", tt.args)

		logger := configureLogger(cmd, *got)
		s.Equal(tt.want, logger.GetLevel(), "logger MUST follow the resolved level")
	}
}

func (s *RootTestSuite) TestInvalidLogLevel() {
	cmd, _ := s.probe()
	_, _, err := s.ExecuteCommand(s.NewRoot(cmd), "probe", "--log-level=loud")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level: loud")
}

func (s *RootTestSuite) TestMissingConfig() {
	cmd, _ := s.probe()
	_, _, err := s.ExecuteCommand(s.NewRoot(cmd), "probe", "--config", filepath.Join(s.T().TempDir(), "nope.yaml"))
	s.ErrorIs(err, config.ErrConfigNotFound, "missing config MUST be reported")
}

func (s *RootTestSuite) TestRootHelp() {
	out, _, err := s.ExecuteCommand(rootCmd, "--help")
	s.Require().NoError(err)
	s.Contains(out, "BM6 and BM7 Bluetooth battery monitors")
	s.Contains(out, "scan", "help MUST list the scan command")
	s.Contains(out, "--config")
}

func TestRootTestSuite(t *testing.T) {
	suite.Run(t, new(RootTestSuite))
}
