package calibration

import (
	"slices"
	"time"
)

// Factor bounds for the feedback adjustment.
const (
	MinFactor = 0.5
	MaxFactor = 2.0
)

// Feedback is the operator's judgement of a completed irrigation.
type Feedback string

// Feedback values.
const (
	TooLittle Feedback = "TOO_LITTLE"
	JustRight Feedback = "JUST_RIGHT"
	TooMuch   Feedback = "TOO_MUCH"
)

// Valid reports whether f is a known feedback value.
func (f Feedback) Valid() bool {
	switch f {
	case TooLittle, JustRight, TooMuch:
		return true
	}
	return false
}

// HistoryEntry is one accepted calibration measurement.
type HistoryEntry struct {
	MeasuredML   float64   `json:"measured_ml"`
	DurationS    float64   `json:"duration_s"`
	ComputedRate float64   `json:"computed_rate"`
	Timestamp    time.Time `json:"timestamp"`
}

// PumpCalibration is the learned dosing model of one pump.
type PumpCalibration struct {
	ActuatorID       string         `json:"actuator_id"`
	FlowRateMLPerS   float64        `json:"flow_rate_ml_per_s"`
	LastCalibratedAt *time.Time     `json:"last_calibrated_at,omitempty"`
	History          []HistoryEntry `json:"history"`
	AdjustmentFactor float64        `json:"adjustment_factor"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Measured reports whether the flow rate comes from at least one accepted
// measurement rather than the configured default.
func (c *PumpCalibration) Measured() bool {
	return c.LastCalibratedAt != nil
}

// EffectiveVolume scales a base dose by the feedback factor.
func (c *PumpCalibration) EffectiveVolume(baseML float64) float64 {
	return baseML * c.AdjustmentFactor
}

// DurationFor returns how long the pump must run to deliver volumeML.
func (c *PumpCalibration) DurationFor(volumeML float64) float64 {
	if c.FlowRateMLPerS <= 0 {
		return 0
	}
	return volumeML / c.FlowRateMLPerS
}

// DeepCopy returns an independent copy of c.
func (c *PumpCalibration) DeepCopy() *PumpCalibration {
	if c == nil {
		return nil
	}
	cp := *c
	cp.History = slices.Clone(c.History)
	if c.LastCalibratedAt != nil {
		t := *c.LastCalibratedAt
		cp.LastCalibratedAt = &t
	}
	return &cp
}

// Session outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
	OutcomeExpired   = "expired"
	OutcomeFailed    = "failed"
)

// Session is a timed pump run awaiting its measured volume.
type Session struct {
	ID         string     `json:"session_id"`
	ActuatorID string     `json:"actuator_id"`
	DurationS  float64    `json:"duration_s"`
	StartedAt  time.Time  `json:"started_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
}

// Expired reports whether the session can no longer be completed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
