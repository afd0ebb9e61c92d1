package schedule

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// DeviceType identifies a class of actuator within a unit.
type DeviceType string

// Known device types.
const (
	DeviceLight      DeviceType = "light"
	DeviceFan        DeviceType = "fan"
	DevicePump       DeviceType = "pump"
	DeviceHeater     DeviceType = "heater"
	DeviceHumidifier DeviceType = "humidifier"
)

// AllDeviceTypes returns every known device type.
func AllDeviceTypes() []DeviceType {
	return []DeviceType{DeviceLight, DeviceFan, DevicePump, DeviceHeater, DeviceHumidifier}
}

// IsIrrigation reports whether activating the device waters plants, which
// routes it through the approval workflow instead of direct switching.
func (d DeviceType) IsIrrigation() bool {
	return d == DevicePump
}

// Valid reports whether d is a known device type.
func (d DeviceType) Valid() bool {
	return slices.Contains(AllDeviceTypes(), d)
}

// Type says how a schedule came to exist. It does not change window semantics
// except that PHOTOPERIOD derives its end time from the light target.
type Type string

// Schedule types.
const (
	TypeManual      Type = "MANUAL"
	TypeAutomatic   Type = "AUTOMATIC"
	TypePhotoperiod Type = "PHOTOPERIOD"
)

// minutesPerDay is the number of minutes in a wall-clock day.
const minutesPerDay = 24 * 60

// ClockTime is a wall-clock time of day in minutes after midnight.
// It marshals as "HH:MM". The value 1440 appears only as the exclusive end
// of a conflict window and renders as "24:00".
type ClockTime int

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	if len(s) != 5 || s[2] != ':' || !isDigits(s[:2]) || !isDigits(s[3:]) {
		return 0, fmt.Errorf("%w: %q is not HH:MM", ErrInvalidWindow, s)
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidWindow, s)
	}
	return ClockTime(h*60 + m), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Clock builds a ClockTime from hours and minutes.
func Clock(h, m int) ClockTime {
	return ClockTime(h*60 + m)
}

// String formats c as HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// MarshalJSON implements json.Marshaler.
func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: time must be a \"HH:MM\" string", ErrInvalidWindow)
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Photoperiod configures a light schedule by hours of light per day.
type Photoperiod struct {
	// RampMinutes is the sunrise/sunset dimming ramp passed to light drivers.
	RampMinutes int `json:"ramp_minutes"`

	// TargetHours is the light period length. The schedule end time is
	// derived from it.
	TargetHours float64 `json:"target_hours"`
}

// Schedule is a recurring time window for one device type in one unit.
type Schedule struct {
	ID         string     `json:"schedule_id"`
	UnitID     string     `json:"unit_id"`
	DeviceType DeviceType `json:"device_type"`
	Name       string     `json:"name"`
	Type       Type       `json:"schedule_type"`

	// StartTime is inclusive and EndTime exclusive. A window with
	// Wraparound set runs from StartTime on a listed day to EndTime on the
	// following day, e.g. 22:00-06:00.
	StartTime  ClockTime `json:"start_time"`
	EndTime    ClockTime `json:"end_time"`
	Wraparound bool      `json:"wraparound"`

	// DaysOfWeek lists the days a window may start on, 0 = Sunday.
	// Empty means every day.
	DaysOfWeek []int `json:"days_of_week"`

	// Priority: lower number wins.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	Photoperiod *Photoperiod `json:"photoperiod_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of s.
func (s *Schedule) DeepCopy() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	if s.DaysOfWeek != nil {
		cp.DaysOfWeek = slices.Clone(s.DaysOfWeek)
	}
	if s.Photoperiod != nil {
		p := *s.Photoperiod
		cp.Photoperiod = &p
	}
	return &cp
}

// Pair identifies one evaluation stream.
type Pair struct {
	UnitID     string     `json:"unit_id"`
	DeviceType DeviceType `json:"device_type"`
}

// String returns "unit/device_type".
func (p Pair) String() string {
	return p.UnitID + "/" + string(p.DeviceType)
}
