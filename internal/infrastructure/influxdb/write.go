package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the gateway.
const (
	MeasurementDevice    = "device_metrics"
	MeasurementEnergy    = "energy"
	MeasurementButton    = "button_push"
	MeasurementGateway   = "gateway_stats"
	MeasurementBusMemory = "bus_memory_scan"
)

// GatewayStats is one sample of gateway link counters.
type GatewayStats struct {
	TelegramsRx      uint64
	TelegramsTx      uint64
	TelegramsDropped uint64
	BytesDiscarded   uint64
	Errors           uint64
	Reconnects       uint64
	Connected        bool
	Locked           bool
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || c.writer == nil {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteDeviceMetric writes a single decoded sensor value.
//
// Parameters:
//   - deviceID: Configured device id (e.g., "temp-living")
//   - measurement: Metric name (e.g., "temperature_c", "humidity_pct")
//   - value: The numeric value to record
func (c *Client) WriteDeviceMetric(deviceID string, measurement string, value float64) {
	c.writePoint(MeasurementDevice,
		map[string]string{
			"device_id":   deviceID,
			"measurement": measurement,
		},
		map[string]any{"value": value},
		time.Now(),
	)
}

// WriteEnergyMetric writes a meter reading. Either value may be zero when
// the meter only reports the other.
func (c *Client) WriteEnergyMetric(deviceID string, powerWatts float64, energyKWh float64) {
	fields := map[string]any{}
	if powerWatts != 0 {
		fields["power_watts"] = powerWatts
	}
	if energyKWh != 0 {
		fields["energy_kwh"] = energyKWh
	}
	if len(fields) == 0 {
		fields["power_watts"] = 0.0
	}

	c.writePoint(MeasurementEnergy, map[string]string{"device_id": deviceID}, fields, time.Now())
}

// WriteButtonPush records how long a rocker button was held. The point is
// stamped with the push time rather than the release time.
func (c *Client) WriteButtonPush(deviceID string, button string, seconds float64, pushedAt time.Time) {
	c.writePoint(MeasurementButton,
		map[string]string{
			"device_id": deviceID,
			"button":    button,
		},
		map[string]any{"duration_s": seconds},
		pushedAt,
	)
}

// WriteGatewayStats records link counters for one gateway.
func (c *Client) WriteGatewayStats(gatewayID string, stats GatewayStats) {
	c.writePoint(MeasurementGateway,
		map[string]string{"gateway": gatewayID},
		map[string]any{
			"telegrams_rx":      stats.TelegramsRx,
			"telegrams_tx":      stats.TelegramsTx,
			"telegrams_dropped": stats.TelegramsDropped,
			"bytes_discarded":   stats.BytesDiscarded,
			"errors":            stats.Errors,
			"reconnects":        stats.Reconnects,
			"connected":         stats.Connected,
			"locked":            stats.Locked,
		},
		time.Now(),
	)
}

// WriteMemoryScan records the outcome of a bus memory scan.
func (c *Client) WriteMemoryScan(gatewayID string, devices, lines, skipped int, duration time.Duration) {
	c.writePoint(MeasurementBusMemory,
		map[string]string{"gateway": gatewayID},
		map[string]any{
			"devices":    devices,
			"lines":      lines,
			"skipped":    skipped,
			"duration_s": duration.Seconds(),
		},
		time.Now(),
	)
}
