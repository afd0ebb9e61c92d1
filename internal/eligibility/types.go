package eligibility

import (
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// Reason codes recorded on traces, in the order the evaluation steps run.
const (
	ReasonScheduleActive   = "schedule_active"
	ReasonNoActiveSchedule = "no_active_schedule"

	ReasonNoThresholdRule       = "no_threshold_rule"
	ReasonThresholdTriggered    = "threshold_triggered"
	ReasonThresholdNotTriggered = "threshold_not_triggered"
	ReasonSensorUnavailable     = "sensor_unavailable"
	ReasonSensorTimeout         = "sensor_timeout"
	ReasonSensorStale           = "sensor_stale"
	ReasonSensorKindMismatch    = "sensor_kind_mismatch"
	ReasonFailOpen              = "sensor_unavailable_fail_open"
	ReasonFailClosed            = "sensor_unavailable_fail_closed"

	ReasonOverrideOn      = "override_on"
	ReasonOverrideOff     = "override_off"
	ReasonOverrideExpired = "override_expired"

	ReasonVerdictOn  = "verdict_on"
	ReasonVerdictOff = "verdict_off"

	// ReasonClockAdjusted marks a trace stamped 1µs after the pair's
	// previous trace because the wall clock had stepped back.
	ReasonClockAdjusted = "clock_adjusted"
)

// Trace is the immutable record of one evaluation tick.
type Trace struct {
	Seq               int64               `json:"seq"`
	UnitID            string              `json:"unit_id"`
	DeviceType        schedule.DeviceType `json:"device_type"`
	EvaluatedAt       time.Time           `json:"evaluated_at"`
	ScheduleVerdict   bool                `json:"schedule_verdict"`
	ThresholdVerdict  bool                `json:"threshold_verdict"`
	OverrideVerdict   *bool               `json:"override_verdict"`
	FinalVerdict      bool                `json:"final_verdict"`
	WinningScheduleID string              `json:"winning_schedule_id,omitempty"`
	ReasonCodes       []string            `json:"reason_codes"`
}

// Pair returns the trace's evaluation stream.
func (t *Trace) Pair() schedule.Pair {
	return schedule.Pair{UnitID: t.UnitID, DeviceType: t.DeviceType}
}

// HasReason reports whether code was recorded.
func (t *Trace) HasReason(code string) bool {
	return slices.Contains(t.ReasonCodes, code)
}

// Override forces a pair on or off, ahead of schedules and thresholds.
type Override struct {
	UnitID     string              `json:"unit_id"`
	DeviceType schedule.DeviceType `json:"device_type"`
	State      bool                `json:"state"`
	Reason     string              `json:"reason,omitempty"`
	SetBy      string              `json:"set_by,omitempty"`
	ExpiresAt  *time.Time          `json:"expires_at,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Pair returns the overridden evaluation stream.
func (o *Override) Pair() schedule.Pair {
	return schedule.Pair{UnitID: o.UnitID, DeviceType: o.DeviceType}
}

// ActiveAt reports whether the override applies at t.
func (o *Override) ActiveAt(t time.Time) bool {
	return o.ExpiresAt == nil || t.Before(*o.ExpiresAt)
}

// Candidate is a false-to-true verdict transition for an irrigation device,
// handed to the irrigation coordinator in emission order.
type Candidate struct {
	UnitID      string              `json:"unit_id"`
	DeviceType  schedule.DeviceType `json:"device_type"`
	ScheduleID  string              `json:"schedule_id,omitempty"`
	EvaluatedAt time.Time           `json:"evaluated_at"`
	TraceSeq    int64               `json:"trace_seq"`
}

// Domain errors for the eligibility package.
var (
	// ErrTickInProgress is returned when a tick for the pair is still running.
	// The new tick is skipped, not queued.
	ErrTickInProgress = fmt.Errorf("%w: eligibility: tick already in progress", errkind.ErrConflict)

	// ErrNonMonotonic is returned when a trace would not be later than the
	// pair's last trace.
	ErrNonMonotonic = fmt.Errorf("%w: eligibility: evaluated_at must increase per pair", errkind.ErrInvalidState)

	// ErrNoTrace is returned when a pair has never been evaluated.
	ErrNoTrace = fmt.Errorf("%w: eligibility trace", errkind.ErrNotFound)

	// ErrNoOverride is returned when clearing an override that does not exist.
	ErrNoOverride = fmt.Errorf("%w: manual override", errkind.ErrNotFound)

	// ErrInvalidOverride is returned for an override that fails validation.
	ErrInvalidOverride = fmt.Errorf("%w: manual override", errkind.ErrValidation)

	// ErrUnknownPair is returned for a pair the evaluator does not track.
	ErrUnknownPair = fmt.Errorf("%w: eligibility: pair is not tracked", errkind.ErrNotFound)
)
