package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	"github.com/srg/blepm/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blepm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, TransportGoBLE, cfg.Transport)
	assert.Equal(t, radio.KindBlueZ, cfg.Radio)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, 10*time.Second, cfg.ScanRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5, cfg.CommandAttempts)
	assert.Equal(t, time.Second, cfg.AckTimeout)
	assert.Equal(t, 64, cfg.EventBuffer)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	// GOAL: Verify YAML values override defaults and unset keys keep them
	//
	// TEST SCENARIO: write partial config → Load → overridden and default values coexist → manager options built

	path := writeConfig(t, `
log_level: debug
transport: tinygo
radio: static
ack_timeout: 250ms
capability:
  service: "0000ffe0-0000-1000-8000-00805f9b34fb"
  notify: ffe1
  write: ffe2
profiles:
  - name: scale
    target: Scale-A@AA:BB
    capability: {service: fff0, notify: fff1, write: fff2}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, TransportTinyGo, cfg.Transport)
	assert.Equal(t, radio.KindStatic, cfg.Radio)
	assert.Equal(t, 250*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, 5, cfg.CommandAttempts, "unset keys MUST keep defaults")
	assert.Equal(t, 10*time.Second, cfg.ScanRetryDelay)

	src := radio.NewStatic(true, true)
	opts, err := cfg.ManagerOptions(src, cfg.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, "0000ffe0-0000-1000-8000-00805f9b34fb", opts.Capability.Service)
	require.Len(t, opts.Profiles, 1)
	assert.Equal(t, device.TargetFilter{Name: "Scale-A", Address: "AA:BB"}, opts.Profiles[0].Filter)
	assert.Equal(t, "fff1", opts.Profiles[0].Capability.Notify)
	assert.Equal(t, 250*time.Millisecond, opts.AckTimeout)
	assert.Same(t, src, opts.Radio)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	_, err = Load(writeConfig(t, "log_level: [unclosed"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "not a valid logrus Level"},
		{"bad transport", func(c *Config) { c.Transport = "serial" }, "unknown transport"},
		{"bad radio", func(c *Config) { c.Radio = "usb" }, "unknown radio"},
		{"zero retry delay", func(c *Config) { c.ScanRetryDelay = 0 }, "scan_retry_delay"},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, "connect_timeout"},
		{"no attempts", func(c *Config) { c.CommandAttempts = 0 }, "command_attempts"},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }, "ack_timeout"},
		{"no event buffer", func(c *Config) { c.EventBuffer = 0 }, "event_buffer"},
		{"wildcard profile", func(c *Config) { c.Profiles = []Profile{{Name: "all", Target: "*"}} }, "matches every device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
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
		{name: "falls back to info on garbage", logLevel: "loud", want: logrus.InfoLevel},
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

func TestOpenRadioStatic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Radio = radio.KindStatic

	src, err := cfg.OpenRadio(nil)
	require.NoError(t, err)
	defer src.Close()
	assert.True(t, src.Enabled())
	assert.True(t, src.Granted())
}
