// Package influxdb provides InfluxDB connectivity for the Eltako gateway.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched metric writing and health checks.
//
// # Purpose
//
// Time-series data written by the gateway:
//   - Decoded sensor values (temperature, humidity, contacts, meters)
//   - Energy meter readings
//   - Rocker button push durations
//   - Gateway link counters and bus memory scan results
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("temp-living", "temperature_c", 21.5)
//
// # Error Handling
//
// Writes are non-blocking; batch errors arrive through SetOnError.
// Connection and health check errors are returned directly.
package influxdb
