package schedule

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength  = 100
	minPriority    = 0
	maxPriority    = 999
	maxRampMinutes = 120
)

// Normalize fills derived fields in place: default type, trimmed name,
// sorted unique days, and for PHOTOPERIOD the end time and wraparound flag
// computed from the light target. Call before Validate.
func Normalize(s *Schedule) {
	s.Name = strings.TrimSpace(s.Name)
	if s.Type == "" {
		s.Type = TypeManual
	}

	if len(s.DaysOfWeek) > 0 {
		days := slices.Clone(s.DaysOfWeek)
		slices.Sort(days)
		s.DaysOfWeek = slices.Compact(days)
	}

	if s.Type == TypePhotoperiod && s.Photoperiod != nil && s.Photoperiod.TargetHours > 0 && s.Photoperiod.TargetHours <= 24 {
		length := int(math.Round(s.Photoperiod.TargetHours * 60))
		end := int(s.StartTime) + length
		s.EndTime = ClockTime(end % minutesPerDay)
		s.Wraparound = end >= minutesPerDay
	}
}

// Validate checks s and returns the first problem found.
func Validate(s *Schedule) error {
	if s == nil {
		return fmt.Errorf("%w: nil schedule", ErrInvalid)
	}
	if strings.TrimSpace(s.UnitID) == "" {
		return fmt.Errorf("%w: unit_id is required", ErrInvalid)
	}
	if !s.DeviceType.Valid() {
		return fmt.Errorf("%w: unknown device_type %q", ErrInvalid, s.DeviceType)
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalid)
	}
	if len(s.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLength)
	}
	switch s.Type {
	case TypeManual, TypeAutomatic, TypePhotoperiod:
	default:
		return fmt.Errorf("%w: unknown schedule_type %q", ErrInvalid, s.Type)
	}
	if s.Priority < minPriority || s.Priority > maxPriority {
		return fmt.Errorf("%w: priority must be %d-%d", ErrInvalid, minPriority, maxPriority)
	}
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day %d is not 0-6 (0 = Sunday)", ErrInvalid, d)
		}
	}

	if err := validateWindow(s); err != nil {
		return err
	}
	return validatePhotoperiod(s)
}

func validateWindow(s *Schedule) error {
	if s.StartTime < 0 || s.StartTime >= minutesPerDay || s.EndTime < 0 || s.EndTime >= minutesPerDay {
		return fmt.Errorf("%w: times must be within 00:00-23:59", ErrInvalidWindow)
	}
	if !s.Wraparound && s.EndTime <= s.StartTime {
		return fmt.Errorf("%w: end %s is not after start %s (set wraparound for overnight windows)",
			ErrInvalidWindow, s.EndTime, s.StartTime)
	}
	if s.Wraparound && s.EndTime > s.StartTime {
		return fmt.Errorf("%w: wraparound window must end at or before its start, got %s-%s",
			ErrInvalidWindow, s.StartTime, s.EndTime)
	}
	return nil
}

func validatePhotoperiod(s *Schedule) error {
	if s.Type != TypePhotoperiod {
		if s.Photoperiod != nil {
			return fmt.Errorf("%w: photoperiod_config is only valid for PHOTOPERIOD schedules", ErrInvalid)
		}
		return nil
	}
	if s.DeviceType != DeviceLight {
		return fmt.Errorf("%w: PHOTOPERIOD schedules apply to lights only", ErrInvalid)
	}
	p := s.Photoperiod
	if p == nil {
		return fmt.Errorf("%w: PHOTOPERIOD schedule requires photoperiod_config", ErrInvalid)
	}
	if p.TargetHours <= 0 || p.TargetHours > 24 {
		return fmt.Errorf("%w: target_hours must be in (0, 24]", ErrInvalid)
	}
	if p.RampMinutes < 0 || p.RampMinutes > maxRampMinutes {
		return fmt.Errorf("%w: ramp_minutes must be 0-%d", ErrInvalid, maxRampMinutes)
	}
	if 2*p.RampMinutes > s.windowMinutes() {
		return fmt.Errorf("%w: ramps longer than the light period", ErrInvalid)
	}
	return nil
}

// GenerateID creates a new schedule ID.
func GenerateID() string {
	return "sch-" + uuid.NewString()
}
