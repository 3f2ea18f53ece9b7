package eltako

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
)

// Config is the root configuration for the Eltako bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig    `yaml:"bridge"`
	Gateway GatewaySettings `yaml:"gateway"`
	Devices []DeviceConfig  `yaml:"devices"`
	Logging LoggingConfig   `yaml:"logging"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health reports.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`
}

// GatewaySettings describes the physical gateway.
type GatewaySettings struct {
	// DeviceType selects link, dialect and baud rate.
	// Values: fam14, fgw14-usb, ftd14, fam-usb, usb300, esp3-gateway, lan, lan-esp3
	DeviceType string `yaml:"device_type"`

	// SerialPort is the device path for serial gateways (e.g., "/dev/ttyUSB0").
	SerialPort string `yaml:"serial_port"`

	// Host and Port address LAN gateways.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Dialect overrides the device type's default ("esp2" or "esp3").
	Dialect string `yaml:"dialect"`

	// BaseID is the gateway's base id (e.g., "FF-80-80-00"). Optional.
	// Local device addresses (00-00-xx-xx) are resolved against it.
	BaseID string `yaml:"base_id"`

	// ReconnectInterval is the initial reconnect delay (seconds).
	// Default: 5 seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`

	// ExchangeTimeoutMS is the wait per exchange attempt (milliseconds).
	// Default: 1000.
	ExchangeTimeoutMS int `yaml:"exchange_timeout_ms"`

	// ExchangeRetries is the total number of attempts per exchange.
	// Default: 3.
	ExchangeRetries int `yaml:"exchange_retries"`
}

// DeviceConfig maps one EnOcean sender to a Gray Logic device.
type DeviceConfig struct {
	// DeviceID is the Gray Logic device identifier.
	DeviceID string `yaml:"device_id"`

	// Name is a human-readable label. Optional.
	Name string `yaml:"name"`

	// Address is the sender id, e.g. "FE-E1-01-02" or "00-00-00-21".
	Address string `yaml:"address"`

	// Profile is the EEP used to decode telegrams, e.g. "A5-02-05".
	Profile string `yaml:"profile"`

	// Affinity restricts accepted formats: any, plain or wrapped.
	// Default: any
	Affinity string `yaml:"affinity"`

	// Discriminator separates channels of one sender, e.g. "left".
	Discriminator string `yaml:"discriminator"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is the log output format: json or text.
	// Default: json
	Format string `yaml:"format"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ELTAKO_BRIDGE_SECTION_KEY
// For example: ELTAKO_BRIDGE_GATEWAY_SERIAL_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "eltako-bridge-01",
			HealthInterval: 30,
		},
		Gateway: GatewaySettings{
			DeviceType:        string(enocean.DeviceFAM14),
			SerialPort:        "/dev/ttyUSB0",
			ReconnectInterval: 5,
			ExchangeTimeoutMS: 1000,
			ExchangeRetries:   3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Devices: []DeviceConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ELTAKO_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("ELTAKO_BRIDGE_GATEWAY_DEVICE_TYPE"); v != "" {
		cfg.Gateway.DeviceType = v
	}
	if v := os.Getenv("ELTAKO_BRIDGE_GATEWAY_SERIAL_PORT"); v != "" {
		cfg.Gateway.SerialPort = v
	}
	if v := os.Getenv("ELTAKO_BRIDGE_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("ELTAKO_BRIDGE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("ELTAKO_BRIDGE_GATEWAY_BASE_ID"); v != "" {
		cfg.Gateway.BaseID = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateDevices()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	return errs
}

func (c *Config) validateGateway() []string {
	var errs []string
	g := c.Gateway

	dt, err := enocean.ParseDeviceType(g.DeviceType)
	if err != nil {
		errs = append(errs, fmt.Sprintf("gateway.device_type %q is invalid", g.DeviceType))
	} else if dt.IsTCP() {
		if g.Host == "" {
			errs = append(errs, "gateway.host is required for LAN gateways")
		}
		if g.Port < 1 || g.Port > 65535 {
			errs = append(errs, "gateway.port must be between 1 and 65535")
		}
	} else if g.SerialPort == "" {
		errs = append(errs, "gateway.serial_port is required for serial gateways")
	}

	if g.Dialect != "" {
		if _, err := enocean.ParseDialect(g.Dialect); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.dialect %q is invalid (use esp2 or esp3)", g.Dialect))
		}
	}
	if g.BaseID != "" {
		if _, err := enocean.ParseAddress(g.BaseID); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.base_id %q is invalid", g.BaseID))
		}
	}
	if g.ReconnectInterval < 1 {
		errs = append(errs, "gateway.reconnect_interval must be at least 1 second")
	}
	if g.ExchangeTimeoutMS < 10 {
		errs = append(errs, "gateway.exchange_timeout_ms must be at least 10")
	}
	if g.ExchangeRetries < 1 {
		errs = append(errs, "gateway.exchange_retries must be at least 1")
	}
	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	deviceIDs := make(map[string]bool)
	channels := make(map[string]bool)

	for i, dev := range c.Devices {
		if dev.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id is required", i))
			continue
		}
		if deviceIDs[dev.DeviceID] {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id %q is duplicate", i, dev.DeviceID))
		}
		deviceIDs[dev.DeviceID] = true

		addr, err := dev.ParsedAddress()
		if err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].address %q is invalid", i, dev.Address))
		} else {
			key := addr.String()
			if channels[key] {
				errs = append(errs, fmt.Sprintf("devices[%d].address %s is used by another device", i, key))
			}
			channels[key] = true
		}

		if _, err := enocean.ParseProfile(dev.Profile); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].profile %q is not supported", i, dev.Profile))
		}
		if _, err := enocean.ParseAffinity(dev.Affinity); err != nil {
			errs = append(errs, fmt.Sprintf("devices[%d].affinity %q is invalid (use any, plain, or wrapped)", i, dev.Affinity))
		}
	}

	return errs
}

func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// ParsedAddress returns the device address with its discriminator applied.
// A discriminator field overrides a ":suffix" in the address string.
func (d DeviceConfig) ParsedAddress() (enocean.Address, error) {
	addr, err := enocean.ParseAddress(d.Address)
	if err != nil {
		return enocean.Address{}, err
	}
	if d.Discriminator != "" {
		addr = addr.WithDiscriminator(d.Discriminator)
	}
	return addr, nil
}

// ToGatewayConfig converts the gateway settings for enocean.NewGateway.
func (c *Config) ToGatewayConfig() (enocean.GatewayConfig, error) {
	g := c.Gateway
	dt, err := enocean.ParseDeviceType(g.DeviceType)
	if err != nil {
		return enocean.GatewayConfig{}, err
	}

	cfg := enocean.GatewayConfig{
		DeviceType:        dt,
		SerialPort:        g.SerialPort,
		Host:              g.Host,
		Port:              g.Port,
		ReconnectInterval: time.Duration(g.ReconnectInterval) * time.Second,
		Exchange: enocean.ExchangeOptions{
			Retries: g.ExchangeRetries,
			Timeout: time.Duration(g.ExchangeTimeoutMS) * time.Millisecond,
		},
	}
	if g.Dialect != "" {
		if cfg.Dialect, err = enocean.ParseDialect(g.Dialect); err != nil {
			return enocean.GatewayConfig{}, err
		}
	}
	if g.BaseID != "" {
		if cfg.BaseID, err = enocean.ParseAddress(g.BaseID); err != nil {
			return enocean.GatewayConfig{}, err
		}
	}
	return cfg, nil
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetExchangeOptions returns the configured exchange defaults.
func (c *Config) GetExchangeOptions() enocean.ExchangeOptions {
	return enocean.ExchangeOptions{
		Retries: c.Gateway.ExchangeRetries,
		Timeout: time.Duration(c.Gateway.ExchangeTimeoutMS) * time.Millisecond,
	}
}
