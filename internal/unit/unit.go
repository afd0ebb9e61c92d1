// Package unit loads the growing-unit inventory: which actuators each unit
// has, which plant a pump waters, and the sensor threshold rules that can
// veto a schedule window.
//
// The inventory is a YAML file read once at startup:
//
//	units:
//	  - id: tent-1
//	    name: Veg tent
//	    actuators:
//	      - id: pump-5
//	        device_type: pump
//	        plant_id: basil-1
//	        base_volume_ml: 250
//	        notify_target: ops-phone
//	      - id: light-1
//	        device_type: light
//	    threshold_rules:
//	      - device_type: pump
//	        sensor_id: soil-3
//	        metric: soil_moisture
//	        trigger: 35
//	        direction: below
//
// A Registry is immutable after Load and safe for concurrent use.
package unit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
	"github.com/nerrad567/grow-logic-core/internal/sensor"
)

// DefaultProtocol is the actuator gateway protocol used when none is set.
const DefaultProtocol = "relay"

// ErrInvalid is returned for an inventory that fails validation.
var ErrInvalid = fmt.Errorf("%w: unit inventory", errkind.ErrValidation)

// Direction says which side of the trigger value counts as triggered.
type Direction string

// Threshold directions.
const (
	Below Direction = "below"
	Above Direction = "above"
)

// Actuator is one switchable device in a unit.
type Actuator struct {
	ID         string              `yaml:"id" json:"actuator_id"`
	DeviceType schedule.DeviceType `yaml:"device_type" json:"device_type"`
	Protocol   string              `yaml:"protocol" json:"protocol"`

	// PlantID and BaseVolumeML apply to irrigation actuators only.
	PlantID      string  `yaml:"plant_id" json:"plant_id,omitempty"`
	BaseVolumeML float64 `yaml:"base_volume_ml" json:"base_volume_ml,omitempty"`

	// NotifyTarget receives approval prompts. Empty uses the unit's target.
	NotifyTarget string `yaml:"notify_target" json:"notify_target,omitempty"`
}

// ThresholdRule lets a sensor reading veto activation inside a schedule
// window.
type ThresholdRule struct {
	DeviceType schedule.DeviceType `yaml:"device_type" json:"device_type"`
	SensorID   string              `yaml:"sensor_id" json:"sensor_id"`
	Metric     sensor.Kind         `yaml:"metric" json:"metric"`
	Trigger    float64             `yaml:"trigger" json:"trigger"`
	Direction  Direction           `yaml:"direction" json:"direction"`

	// FailOpen decides the verdict when no usable reading exists.
	// Nil means true.
	FailOpen *bool `yaml:"fail_open" json:"fail_open,omitempty"`

	// MaxAgeSecs overrides the global staleness cutoff. 0 inherits it.
	MaxAgeSecs int `yaml:"max_age" json:"max_age,omitempty"`
}

// FailsOpen reports the rule's policy for a missing reading.
func (r ThresholdRule) FailsOpen() bool {
	return r.FailOpen == nil || *r.FailOpen
}

// MaxAge returns the rule's staleness cutoff, or fallback when unset.
func (r ThresholdRule) MaxAge(fallback time.Duration) time.Duration {
	if r.MaxAgeSecs > 0 {
		return time.Duration(r.MaxAgeSecs) * time.Second
	}
	return fallback
}

// Triggered reports whether value is on the triggering side of the rule.
// The trigger value itself does not trigger.
func (r ThresholdRule) Triggered(value float64) bool {
	if r.Direction == Above {
		return value > r.Trigger
	}
	return value < r.Trigger
}

// Unit is one environment-controlled growing space.
type Unit struct {
	ID             string          `yaml:"id" json:"unit_id"`
	Name           string          `yaml:"name" json:"name"`
	NotifyTarget   string          `yaml:"notify_target" json:"notify_target,omitempty"`
	Actuators      []Actuator      `yaml:"actuators" json:"actuators"`
	ThresholdRules []ThresholdRule `yaml:"threshold_rules" json:"threshold_rules"`
}

type inventory struct {
	Units []Unit `yaml:"units"`
}

// Load reads and validates the inventory file at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading unit inventory: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates an inventory document.
func Parse(data []byte) (*Registry, error) {
	var inv inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing unit inventory: %w", err)
	}
	return New(inv.Units)
}
