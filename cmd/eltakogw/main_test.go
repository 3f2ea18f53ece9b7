package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/gray-logic-eltako/internal/bridges/eltako"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/database"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestParseFlags verifies command line handling.
func TestParseFlags(t *testing.T) {
	t.Setenv("ELTAKOGW_CONFIG", "")

	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "defaults",
			args: nil,
			want: options{configPath: defaultConfigPath},
		},
		{
			name: "all flags",
			args: []string{"--config", "/etc/eltakogw.yaml", "--env-file", ".env", "--read-memory", "--version"},
			want: options{configPath: "/etc/eltakogw.yaml", envFile: ".env", readMemory: true, showVersion: true},
		},
		{
			name: "migrate down",
			args: []string{"--migrate-down"},
			want: options{configPath: defaultConfigPath, migrateDown: true},
		},
		{
			name: "short config flag",
			args: []string{"-c", "site.yaml"},
			want: options{configPath: "site.yaml"},
		},
		{
			name:    "unknown flag",
			args:    []string{"--verbose"},
			wantErr: true,
		},
		{
			name:    "positional argument",
			args:    []string{"serve"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseFlags() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestParseFlags_Help verifies --help is reported as pflag.ErrHelp.
func TestParseFlags_Help(t *testing.T) {
	var usage bytes.Buffer
	_, err := parseFlags([]string{"--help"}, &usage)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("parseFlags(--help) error = %v, want pflag.ErrHelp", err)
	}
	if !strings.Contains(usage.String(), "--read-memory") {
		t.Errorf("usage output missing --read-memory:\n%s", usage.String())
	}
}

// TestGetConfigPath verifies the environment override.
func TestGetConfigPath(t *testing.T) {
	t.Setenv("ELTAKOGW_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("ELTAKOGW_CONFIG", "/custom/path/config.yaml")
	if got := getConfigPath(); got != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

// TestRun_Version verifies --version prints and exits without config.
func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(testContext(t), []string{"--version", "--config", "/nonexistent.yaml"}, &out); err != nil {
		t.Fatalf("run(--version) error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "eltakogw "+version) {
		t.Errorf("version output = %q", out.String())
	}
}

// TestRun_InvalidConfig verifies run fails with an invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	err := run(testContext(t), []string{"--config", "/nonexistent/path/config.yaml"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

// TestRun_MissingEnvFile verifies a missing --env-file is an error.
func TestRun_MissingEnvFile(t *testing.T) {
	err := run(testContext(t), []string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "env file") {
		t.Fatalf("run() error = %v, want env file failure", err)
	}
}

// TestRun_EnvFileFeedsOverrides verifies variables from --env-file reach config.Load.
func TestRun_EnvFileFeedsOverrides(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "config.yaml", "site:\n  id: test-site\n")
	envPath := writeFile(t, dir, "test.env", "ELTAKOGW_LOG_LEVEL=shouting\n")
	t.Cleanup(func() { os.Unsetenv("ELTAKOGW_LOG_LEVEL") })

	err := run(testContext(t), []string{"--config", configPath, "--env-file", envPath}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("run() error = %v, want logging.level validation failure", err)
	}
}

// TestRun_BridgeDisabled verifies run exits cleanly when the bridge is off.
func TestRun_BridgeDisabled(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "config.yaml", `
site:
  id: test-site
protocols:
  eltako:
    enabled: false
`)
	if err := run(testContext(t), []string{"--config", configPath}, io.Discard); err != nil {
		t.Fatalf("run() error = %v, want nil", err)
	}
}

// TestRun_InvalidBridgeConfig verifies the Eltako config is validated at startup.
func TestRun_InvalidBridgeConfig(t *testing.T) {
	dir := t.TempDir()
	bridgePath := writeFile(t, dir, "eltako.yaml", `
gateway:
  device_type: "fam99"
`)
	configPath := writeFile(t, dir, "config.yaml", `
site:
  id: test-site
protocols:
  eltako:
    enabled: true
    config_file: "`+bridgePath+`"
`)

	err := run(testContext(t), []string{"--config", configPath}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "gateway.device_type") {
		t.Fatalf("run() error = %v, want device type validation failure", err)
	}
}

// TestRun_MigrateDown verifies --migrate-down rolls back the newest
// migration and reports the schema status without starting the bridge.
func TestRun_MigrateDown(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "eltakogw.db")

	db, err := database.Open(config.DatabaseConfig{Path: dbPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(testContext(t)); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	db.Close()

	configPath := writeFile(t, dir, "config.yaml", `
site:
  id: test-site
database:
  path: "`+dbPath+`"
protocols:
  eltako:
    enabled: false
`)

	var out bytes.Buffer
	if err := run(testContext(t), []string{"--config", configPath, "--migrate-down"}, &out); err != nil {
		t.Fatalf("run(--migrate-down) error = %v", err)
	}
	want := "applied  20261017_120000\npending  20261017_120100 eltako_device_memory\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

// TestLinkAddress verifies link descriptions for serial and LAN gateways.
func TestLinkAddress(t *testing.T) {
	tests := []struct {
		name string
		g    eltako.GatewaySettings
		want string
	}{
		{"serial", eltako.GatewaySettings{SerialPort: "/dev/ttyUSB0"}, "/dev/ttyUSB0"},
		{"lan", eltako.GatewaySettings{Host: "10.0.0.5", Port: 5100}, "10.0.0.5:5100"},
		{"lan ipv6", eltako.GatewaySettings{Host: "fd00::5", Port: 5100}, "[fd00::5]:5100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := linkAddress(tt.g); got != tt.want {
				t.Errorf("linkAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}
