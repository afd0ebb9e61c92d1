// Package sensor resolves raw sensor payloads into typed readings and keeps
// the latest reading per sensor in a bounded LRU cache.
//
// Payloads arrive on growlogic/sensor/{sensor_id}/reading in one of two
// shapes and are decoded once, here, into a Reading:
//
//	{"kind": "soil_moisture", "value": 31.5, "timestamp": "2026-03-02T08:00:00Z"}
//	{"soil_moisture": 31.5}
//
// Consumers never see the raw payload. A sensor with no usable reading
// yields ErrUnavailable.
package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// Kind is a metric a sensor reports.
type Kind string

// Known metric kinds.
const (
	KindSoilMoisture Kind = "soil_moisture" // volumetric water content, percent
	KindTemperature  Kind = "temperature"   // degrees Celsius
	KindHumidity     Kind = "humidity"      // relative humidity, percent
)

// AllKinds returns every known metric kind.
func AllKinds() []Kind {
	return []Kind{KindSoilMoisture, KindTemperature, KindHumidity}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSoilMoisture, KindTemperature, KindHumidity:
		return true
	}
	return false
}

// bounds returns the plausible value range for k.
func (k Kind) bounds() (lo, hi float64) {
	switch k {
	case KindSoilMoisture, KindHumidity:
		return 0, 100
	case KindTemperature:
		return -40, 85
	}
	return math.Inf(-1), math.Inf(1)
}

// Reading is one observation of one metric.
type Reading struct {
	SensorID  string    `json:"sensor_id"`
	Kind      Kind      `json:"kind"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how old the reading is at now.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

var (
	// ErrUnavailable is returned when no usable reading exists for a sensor.
	ErrUnavailable = errors.New("sensor: reading unavailable")

	// ErrInvalidPayload is returned when a payload cannot be decoded into
	// exactly one known metric.
	ErrInvalidPayload = fmt.Errorf("%w: sensor: invalid payload", errkind.ErrValidation)
)

// wirePayload covers both accepted payload shapes.
type wirePayload struct {
	Kind      Kind       `json:"kind"`
	Value     *float64   `json:"value"`
	Timestamp *time.Time `json:"timestamp"`

	SoilMoisture *float64 `json:"soil_moisture"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
}

// Decode parses payload into a Reading for sensorID. now stamps readings
// that carry no timestamp of their own.
func Decode(sensorID string, payload []byte, now time.Time) (Reading, error) {
	var w wirePayload
	if err := json.Unmarshal(payload, &w); err != nil {
		return Reading{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	r := Reading{SensorID: sensorID, Timestamp: now}
	if w.Timestamp != nil && !w.Timestamp.IsZero() {
		r.Timestamp = *w.Timestamp
	}

	switch {
	case w.Kind != "":
		if !w.Kind.Valid() {
			return Reading{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, w.Kind)
		}
		if w.Value == nil {
			return Reading{}, fmt.Errorf("%w: missing value", ErrInvalidPayload)
		}
		r.Kind, r.Value = w.Kind, *w.Value
	default:
		found := 0
		for kind, v := range map[Kind]*float64{
			KindSoilMoisture: w.SoilMoisture,
			KindTemperature:  w.Temperature,
			KindHumidity:     w.Humidity,
		} {
			if v != nil {
				r.Kind, r.Value = kind, *v
				found++
			}
		}
		if found != 1 {
			return Reading{}, fmt.Errorf("%w: expected exactly one metric, got %d", ErrInvalidPayload, found)
		}
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return Reading{}, fmt.Errorf("%w: value is not finite", ErrInvalidPayload)
	}
	if lo, hi := r.Kind.bounds(); r.Value < lo || r.Value > hi {
		return Reading{}, fmt.Errorf("%w: %s %.2f outside [%g, %g]", ErrInvalidPayload, r.Kind, r.Value, lo, hi)
	}
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}
