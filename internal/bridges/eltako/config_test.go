//nolint:goconst // Test files use repeated literals for clarity
package eltako

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eltako.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
bridge:
  id: "eltako-office"
  health_interval: 15

gateway:
  device_type: "fam14"
  serial_port: "/dev/ttyUSB1"
  base_id: "FF-80-80-00"
  exchange_timeout_ms: 500
  exchange_retries: 2

logging:
  level: "debug"
  format: "text"

devices:
  - device_id: "temp-office"
    name: "Office temperature"
    address: "01-82-3A-4B"
    profile: "A5-02-05"
  - device_id: "switch-door-left"
    address: "FE-E1-01-02"
    profile: "F6-02-01"
    discriminator: "left"
    affinity: "plain"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Bridge.ID != "eltako-office" || cfg.GetHealthInterval() != 15*time.Second {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Gateway.SerialPort != "/dev/ttyUSB1" {
		t.Errorf("Gateway.SerialPort = %q", cfg.Gateway.SerialPort)
	}
	if cfg.Gateway.ReconnectInterval != 5 {
		t.Errorf("Gateway.ReconnectInterval default = %d, want 5", cfg.Gateway.ReconnectInterval)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}

	addr, err := cfg.Devices[1].ParsedAddress()
	if err != nil {
		t.Fatalf("ParsedAddress() error = %v", err)
	}
	if addr.String() != "FE-E1-01-02:left" {
		t.Errorf("ParsedAddress() = %s", addr)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() with missing file should fail")
	}

	path := writeConfig(t, "bridge: [not a map")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "parsing") {
		t.Errorf("LoadConfig() with bad YAML error = %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
gateway:
  device_type: "fam14"
  serial_port: "/dev/ttyUSB0"
`)
	t.Setenv("ELTAKO_BRIDGE_ID", "from-env")
	t.Setenv("ELTAKO_BRIDGE_GATEWAY_DEVICE_TYPE", "lan")
	t.Setenv("ELTAKO_BRIDGE_GATEWAY_HOST", "10.0.0.5")
	t.Setenv("ELTAKO_BRIDGE_GATEWAY_PORT", "5100")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bridge.ID != "from-env" || cfg.Gateway.DeviceType != "lan" ||
		cfg.Gateway.Host != "10.0.0.5" || cfg.Gateway.Port != 5100 {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Bridge, cfg.Gateway)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"missing bridge id", func(c *Config) { c.Bridge.ID = "" }, "bridge.id is required"},
		{"zero health interval", func(c *Config) { c.Bridge.HealthInterval = 0 }, "health_interval"},
		{"unknown device type", func(c *Config) { c.Gateway.DeviceType = "fam99" }, "gateway.device_type"},
		{"serial without port", func(c *Config) { c.Gateway.SerialPort = "" }, "gateway.serial_port"},
		{"lan without host", func(c *Config) {
			c.Gateway.DeviceType = "lan"
			c.Gateway.Port = 5100
		}, "gateway.host"},
		{"lan bad port", func(c *Config) {
			c.Gateway.DeviceType = "lan-esp3"
			c.Gateway.Host = "gw.local"
		}, "gateway.port"},
		{"bad dialect", func(c *Config) { c.Gateway.Dialect = "esp4" }, "gateway.dialect"},
		{"bad base id", func(c *Config) { c.Gateway.BaseID = "FF-80" }, "gateway.base_id"},
		{"no retries", func(c *Config) { c.Gateway.ExchangeRetries = 0 }, "exchange_retries"},
		{"tiny timeout", func(c *Config) { c.Gateway.ExchangeTimeoutMS = 1 }, "exchange_timeout_ms"},
		{"device without id", func(c *Config) {
			c.Devices = []DeviceConfig{{Address: "01-02-03-04", Profile: "A5-02-05"}}
		}, "devices[0].device_id is required"},
		{"duplicate device id", func(c *Config) {
			c.Devices = []DeviceConfig{
				{DeviceID: "a", Address: "01-02-03-04", Profile: "A5-02-05"},
				{DeviceID: "a", Address: "01-02-03-05", Profile: "A5-02-05"},
			}
		}, "is duplicate"},
		{"duplicate channel", func(c *Config) {
			c.Devices = []DeviceConfig{
				{DeviceID: "a", Address: "01-02-03-04", Profile: "F6-02-01", Discriminator: "left"},
				{DeviceID: "b", Address: "01-02-03-04:left", Profile: "F6-02-01"},
			}
		}, "used by another device"},
		{"same sender two channels", func(c *Config) {
			c.Devices = []DeviceConfig{
				{DeviceID: "a", Address: "01-02-03-04", Profile: "F6-02-01", Discriminator: "left"},
				{DeviceID: "b", Address: "01-02-03-04", Profile: "F6-02-01", Discriminator: "right"},
			}
		}, ""},
		{"bad address", func(c *Config) {
			c.Devices = []DeviceConfig{{DeviceID: "a", Address: "nope", Profile: "A5-02-05"}}
		}, "devices[0].address"},
		{"unknown profile", func(c *Config) {
			c.Devices = []DeviceConfig{{DeviceID: "a", Address: "01-02-03-04", Profile: "A5-99-01"}}
		}, "not supported"},
		{"bad affinity", func(c *Config) {
			c.Devices = []DeviceConfig{{DeviceID: "a", Address: "01-02-03-04", Profile: "A5-02-05", Affinity: "both"}}
		}, "affinity"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Bridge.ID = ""
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	if !strings.Contains(err.Error(), "bridge.id") || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("Validate() error = %v, want both problems", err)
	}
}

func TestConfig_ToGatewayConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Gateway.DeviceType = "LAN"
	cfg.Gateway.Host = "10.0.0.5"
	cfg.Gateway.Port = 5100
	cfg.Gateway.Dialect = "esp3"
	cfg.Gateway.BaseID = "FF-80-80-00"

	gc, err := cfg.ToGatewayConfig()
	if err != nil {
		t.Fatalf("ToGatewayConfig() error = %v", err)
	}
	if gc.DeviceType != enocean.DeviceLAN || gc.Dialect != enocean.DialectESP3 {
		t.Errorf("device type/dialect = %s/%s", gc.DeviceType, gc.Dialect)
	}
	if gc.BaseID.String() != "FF-80-80-00" {
		t.Errorf("BaseID = %s", gc.BaseID)
	}
	if gc.ReconnectInterval != 5*time.Second {
		t.Errorf("ReconnectInterval = %v", gc.ReconnectInterval)
	}
	if gc.Exchange.Timeout != time.Second || gc.Exchange.Retries != 3 {
		t.Errorf("Exchange = %+v", gc.Exchange)
	}
	if got := cfg.GetExchangeOptions(); got != gc.Exchange {
		t.Errorf("GetExchangeOptions() = %+v", got)
	}

	cfg.Gateway.DeviceType = "bogus"
	if _, err := cfg.ToGatewayConfig(); err == nil {
		t.Error("ToGatewayConfig() with unknown device type should fail")
	}
}
