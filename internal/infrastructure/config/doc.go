// Package config handles loading and validating the gateway service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with ELTAKOGW_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// The Eltako bridge keeps its device list in a separate file referenced by
// protocols.eltako.config_file.
//
// Security Considerations:
//   - Credentials (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
