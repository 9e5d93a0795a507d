package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/device"
	goble "github.com/srg/blepm/internal/device/go-ble"
	"github.com/srg/blepm/internal/device/tinygo"
	"github.com/srg/blepm/internal/radio"
	"github.com/srg/blepm/pkg/manager"
	"gopkg.in/yaml.v3"
)

// Transport backends.
const (
	TransportGoBLE  = "go-ble"
	TransportTinyGo = "tinygo"
)

// Capability is the YAML form of device.Capability.
type Capability struct {
	Service string `yaml:"service"`
	Notify  string `yaml:"notify"`
	Write   string `yaml:"write"`
}

func (c Capability) device() device.Capability {
	return device.Capability{Service: c.Service, Notify: c.Notify, Write: c.Write}
}

// Profile selects a capability for the devices Target matches
// ("name", "name@address" or "@address").
type Profile struct {
	Name       string     `yaml:"name"`
	Target     string     `yaml:"target"`
	Capability Capability `yaml:"capability"`
}

// Config holds application configuration
type Config struct {
	LogLevel  string `yaml:"log_level" default:"info"`
	Transport string `yaml:"transport" default:"go-ble"`
	Radio     string `yaml:"radio" default:"bluez"`
	Adapter   string `yaml:"adapter" default:"hci0"`

	ScanRetryDelay  time.Duration `yaml:"scan_retry_delay" default:"10s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"30s"`
	CommandAttempts int           `yaml:"command_attempts" default:"5"`
	AckTimeout      time.Duration `yaml:"ack_timeout" default:"1s"`
	EventBuffer     int           `yaml:"event_buffer" default:"64"`

	Capability Capability `yaml:"capability"`
	Profiles   []Profile  `yaml:"profiles"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file on top of the defaults. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	return logrus.ParseLevel(c.LogLevel)
}

// Validate checks every setting and collects all the problems found.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Transport {
	case TransportGoBLE, TransportTinyGo:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportGoBLE, TransportTinyGo))
	}
	switch c.Radio {
	case radio.KindBlueZ, radio.KindStatic:
	default:
		errs = append(errs, fmt.Errorf("unknown radio %q (want %s or %s)", c.Radio, radio.KindBlueZ, radio.KindStatic))
	}
	if c.ScanRetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("scan_retry_delay must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout must be positive"))
	}
	if c.CommandAttempts < 1 {
		errs = append(errs, fmt.Errorf("command_attempts must be at least 1"))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack_timeout must be positive"))
	}
	if c.EventBuffer < 1 {
		errs = append(errs, fmt.Errorf("event_buffer must be at least 1"))
	}
	if _, err := c.profiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) profiles() ([]manager.Profile, error) {
	out := make([]manager.Profile, 0, len(c.Profiles))
	for i, p := range c.Profiles {
		f, err := device.ParseTargetFilter(p.Target)
		if err != nil {
			return nil, fmt.Errorf("profile #%d %s: %w", i, p.Name, err)
		}
		out = append(out, manager.Profile{Name: p.Name, Filter: f, Capability: p.Capability.device()})
	}
	return out, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ManagerOptions maps the config onto manager.Options. Radio and permissions
// come from src.
func (c *Config) ManagerOptions(src radio.Source, logger *logrus.Logger) (manager.Options, error) {
	profiles, err := c.profiles()
	if err != nil {
		return manager.Options{}, err
	}
	return manager.Options{
		Capability:     c.Capability.device(),
		Profiles:       profiles,
		Radio:          src,
		Permissions:    src,
		RetryDelay:     c.ScanRetryDelay,
		ConnectTimeout: c.ConnectTimeout,
		Attempts:       c.CommandAttempts,
		AckTimeout:     c.AckTimeout,
		Logger:         logger,
	}, nil
}

// OpenRadio opens the configured host radio source.
func (c *Config) OpenRadio(logger *logrus.Logger) (radio.Source, error) {
	return radio.Open(c.Radio, c.Adapter, logger)
}

// OpenTransport creates the configured BLE backend.
func (c *Config) OpenTransport(logger *logrus.Logger) (device.Transport, error) {
	switch c.Transport {
	case TransportTinyGo:
		return tinygo.New(logger)
	case TransportGoBLE:
		return goble.New(logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}
