package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementVerdict     = "eligibility_verdict"
	MeasurementSensor      = "sensor_reading"
	MeasurementIrrigation  = "irrigation_run"
	MeasurementCalibration = "pump_calibration"
)

// WriteVerdict records one eligibility tick.
//
//	client.WriteVerdict("unit-1", "pump", false, true, true, time.Now())
func (c *Client) WriteVerdict(unitID, deviceType string, scheduleVerdict, thresholdVerdict, finalVerdict bool, at time.Time) {
	c.writePoint(verdictPoint(unitID, deviceType, scheduleVerdict, thresholdVerdict, finalVerdict, at))
}

// WriteSensorReading records a sensor value as ingested.
func (c *Client) WriteSensorReading(sensorID, kind string, value float64, at time.Time) {
	c.writePoint(sensorPoint(sensorID, kind, value, at))
}

// WriteIrrigation records an executed irrigation run.
func (c *Client) WriteIrrigation(actuatorID, plantID string, volumeML, durationS float64, at time.Time) {
	c.writePoint(irrigationPoint(actuatorID, plantID, volumeML, durationS, at))
}

// WriteCalibration records the flow rate and adjustment factor after a change.
func (c *Client) WriteCalibration(actuatorID string, flowRate, adjustmentFactor float64, at time.Time) {
	c.writePoint(calibrationPoint(actuatorID, flowRate, adjustmentFactor, at))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) {
	c.writePoint(write.NewPoint(measurement, tags, fields, at))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func verdictPoint(unitID, deviceType string, scheduleVerdict, thresholdVerdict, finalVerdict bool, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementVerdict,
		map[string]string{
			"unit_id":     unitID,
			"device_type": deviceType,
		},
		map[string]interface{}{
			"schedule":  scheduleVerdict,
			"threshold": thresholdVerdict,
			"final":     finalVerdict,
		},
		at,
	)
}

func sensorPoint(sensorID, kind string, value float64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSensor,
		map[string]string{
			"sensor_id": sensorID,
			"kind":      kind,
		},
		map[string]interface{}{"value": value},
		at,
	)
}

func irrigationPoint(actuatorID, plantID string, volumeML, durationS float64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementIrrigation,
		map[string]string{
			"actuator_id": actuatorID,
			"plant_id":    plantID,
		},
		map[string]interface{}{
			"volume_ml":  volumeML,
			"duration_s": durationS,
		},
		at,
	)
}

func calibrationPoint(actuatorID string, flowRate, adjustmentFactor float64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementCalibration,
		map[string]string{"actuator_id": actuatorID},
		map[string]interface{}{
			"flow_rate_ml_per_s": flowRate,
			"adjustment_factor":  adjustmentFactor,
		},
		at,
	)
}
