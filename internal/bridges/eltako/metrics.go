package eltako

import (
	"time"

	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/influxdb"
)

// MetricsSink receives numeric readings for time-series storage.
// *influxdb.Client implements it.
type MetricsSink interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
	WriteEnergyMetric(deviceID string, powerWatts float64, energyKWh float64)
	WriteButtonPush(deviceID string, button string, seconds float64, pushedAt time.Time)
	WriteGatewayStats(gatewayID string, stats influxdb.GatewayStats)
	WriteMemoryScan(gatewayID string, devices, lines, skipped int, duration time.Duration)
	Flush()
}

var _ MetricsSink = (*influxdb.Client)(nil)

// writeFieldMetrics records the numeric parts of decoded fields.
// Boolean and enumerated fields are state only.
func writeFieldMetrics(sink MetricsSink, deviceID string, f enocean.Fields) {
	if sink == nil {
		return
	}
	switch v := f.(type) {
	case enocean.TemperatureFields:
		sink.WriteDeviceMetric(deviceID, "temperature_c", v.Celsius)
	case enocean.TempHumidityFields:
		sink.WriteDeviceMetric(deviceID, "temperature_c", v.Celsius)
		sink.WriteDeviceMetric(deviceID, "humidity_pct", v.Humidity)
	case enocean.MeterFields:
		if v.Cumulative {
			sink.WriteEnergyMetric(deviceID, 0, v.Value)
		} else {
			sink.WriteEnergyMetric(deviceID, v.Value, 0)
		}
	}
}

// writeButtonMetrics records hold durations on release.
func writeButtonMetrics(sink MetricsSink, deviceID string, ev enocean.ButtonEvent) {
	if sink == nil || ev.Pressed {
		return
	}
	for _, b := range ev.Buttons {
		sink.WriteButtonPush(deviceID, string(b), ev.PushDurationSeconds(), ev.PushedAt)
	}
}
