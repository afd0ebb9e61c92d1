package unit

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// Registry indexes the inventory by unit and actuator.
type Registry struct {
	units     map[string]*Unit
	order     []string
	actuators map[string]Actuator
	owner     map[string]string // actuator id -> unit id
}

// New validates units and builds a Registry. Every problem is reported.
func New(units []Unit) (*Registry, error) {
	r := &Registry{
		units:     make(map[string]*Unit, len(units)),
		actuators: make(map[string]Actuator),
		owner:     make(map[string]string),
	}

	var errs []string
	for i := range units {
		u := units[i]
		u.Actuators = slices.Clone(u.Actuators)
		if u.ID == "" {
			errs = append(errs, fmt.Sprintf("units[%d]: id is required", i))
			continue
		}
		if _, dup := r.units[u.ID]; dup {
			errs = append(errs, fmt.Sprintf("unit %s: duplicate id", u.ID))
			continue
		}

		for j := range u.Actuators {
			a := &u.Actuators[j]
			if a.Protocol == "" {
				a.Protocol = DefaultProtocol
			}
			if a.NotifyTarget == "" {
				a.NotifyTarget = u.NotifyTarget
			}
			errs = append(errs, validateActuator(u.ID, *a)...)
			if prev, dup := r.owner[a.ID]; dup {
				errs = append(errs, fmt.Sprintf("actuator %s: already defined in unit %s", a.ID, prev))
				continue
			}
			r.actuators[a.ID] = *a
			r.owner[a.ID] = u.ID
		}

		seen := make(map[schedule.DeviceType]bool)
		for _, rule := range u.ThresholdRules {
			errs = append(errs, validateRule(u.ID, rule)...)
			if seen[rule.DeviceType] {
				errs = append(errs, fmt.Sprintf("unit %s: more than one threshold rule for %s", u.ID, rule.DeviceType))
			}
			seen[rule.DeviceType] = true
		}

		r.units[u.ID] = &u
		r.order = append(r.order, u.ID)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return r, nil
}

func validateActuator(unitID string, a Actuator) []string {
	var errs []string
	prefix := fmt.Sprintf("unit %s actuator %q", unitID, a.ID)
	if a.ID == "" {
		errs = append(errs, prefix+": id is required")
	}
	if !a.DeviceType.Valid() {
		errs = append(errs, fmt.Sprintf("%s: unknown device_type %q", prefix, a.DeviceType))
	}
	if a.DeviceType.IsIrrigation() && a.PlantID == "" {
		errs = append(errs, prefix+": plant_id is required for irrigation actuators")
	}
	if a.BaseVolumeML < 0 {
		errs = append(errs, prefix+": base_volume_ml cannot be negative")
	}
	return errs
}

func validateRule(unitID string, rule ThresholdRule) []string {
	var errs []string
	prefix := fmt.Sprintf("unit %s threshold rule for %s", unitID, rule.DeviceType)
	if !rule.DeviceType.Valid() {
		errs = append(errs, fmt.Sprintf("%s: unknown device_type", prefix))
	}
	if rule.SensorID == "" {
		errs = append(errs, prefix+": sensor_id is required")
	}
	if !rule.Metric.Valid() {
		errs = append(errs, fmt.Sprintf("%s: unknown metric %q", prefix, rule.Metric))
	}
	if rule.Direction != Below && rule.Direction != Above {
		errs = append(errs, fmt.Sprintf("%s: direction must be below or above", prefix))
	}
	if rule.MaxAgeSecs < 0 {
		errs = append(errs, prefix+": max_age cannot be negative")
	}
	return errs
}

// ErrUnknown is returned by lookups of units or actuators not in the inventory.
var ErrUnknown = fmt.Errorf("%w: unit: not in inventory", errkind.ErrNotFound)

// Unit returns a copy of the unit with id.
func (r *Registry) Unit(id string) (Unit, error) {
	u, ok := r.units[id]
	if !ok {
		return Unit{}, fmt.Errorf("%w: unit %s", ErrUnknown, id)
	}
	cp := *u
	cp.Actuators = slices.Clone(u.Actuators)
	cp.ThresholdRules = slices.Clone(u.ThresholdRules)
	return cp, nil
}

// Units returns every unit in file order.
func (r *Registry) Units() []Unit {
	out := make([]Unit, 0, len(r.order))
	for _, id := range r.order {
		u, _ := r.Unit(id)
		out = append(out, u)
	}
	return out
}

// Actuator returns the actuator with id.
func (r *Registry) Actuator(id string) (Actuator, bool) {
	a, ok := r.actuators[id]
	return a, ok
}

// UnitOf returns the unit that owns actuatorID.
func (r *Registry) UnitOf(actuatorID string) (string, bool) {
	u, ok := r.owner[actuatorID]
	return u, ok
}

// ActuatorsFor returns the unit's actuators of deviceType in file order.
func (r *Registry) ActuatorsFor(unitID string, deviceType schedule.DeviceType) []Actuator {
	u, ok := r.units[unitID]
	if !ok {
		return nil
	}
	var out []Actuator
	for _, a := range u.Actuators {
		if a.DeviceType == deviceType {
			out = append(out, a)
		}
	}
	return out
}

// ThresholdRule returns the rule configured for (unitID, deviceType).
func (r *Registry) ThresholdRule(unitID string, deviceType schedule.DeviceType) (ThresholdRule, bool) {
	u, ok := r.units[unitID]
	if !ok {
		return ThresholdRule{}, false
	}
	for _, rule := range u.ThresholdRules {
		if rule.DeviceType == deviceType {
			return rule, true
		}
	}
	return ThresholdRule{}, false
}

// ThresholdPairs returns every (unit, device type) with a threshold rule.
func (r *Registry) ThresholdPairs() []schedule.Pair {
	var out []schedule.Pair
	for _, id := range r.order {
		for _, rule := range r.units[id].ThresholdRules {
			out = append(out, schedule.Pair{UnitID: id, DeviceType: rule.DeviceType})
		}
	}
	return out
}
