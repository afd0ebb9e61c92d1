// Package influxdb exports Grow Logic time series to InfluxDB v2.
//
// Four measurements are written:
//   - eligibility_verdict: one point per evaluation tick
//   - sensor_reading: readings as they arrive over MQTT
//   - irrigation_run: executed irrigation volume and duration
//   - pump_calibration: flow rate and adjustment factor after each change
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB, func(err error) {
//	    log.Warn("influx write failed", "error", err)
//	})
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    client = nil // nil clients drop writes
//	}
//	defer client.Close()
//
// Writes are non-blocking and batched per batch_size and flush_interval.
// A nil *Client is valid and drops every write.
package influxdb
