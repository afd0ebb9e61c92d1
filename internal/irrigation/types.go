package irrigation

import (
	"slices"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/calibration"
)

// Status is the lifecycle state of a request.
type Status string

// Request states.
const (
	StatusStandby         Status = "STANDBY"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusDelayed         Status = "DELAYED"
	StatusApproved        Status = "APPROVED"
	StatusExecuting       Status = "EXECUTING"
	StatusExecuted        Status = "EXECUTED"
	StatusFeedbackPending Status = "FEEDBACK_PENDING"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusStandby, StatusPendingApproval, StatusDelayed, StatusApproved, StatusExecuting,
		StatusExecuted, StatusFeedbackPending, StatusCompleted, StatusCancelled, StatusExpired,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses(), s)
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// transitions lists the states each state may move to.
var transitions = map[Status][]Status{
	StatusStandby:         {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusDelayed, StatusCancelled, StatusExpired},
	StatusDelayed:         {StatusPendingApproval, StatusCancelled},
	StatusApproved:        {StatusExecuting, StatusCancelled},
	StatusExecuting:       {StatusExecuted, StatusCancelled},
	StatusExecuted:        {StatusFeedbackPending},
	StatusFeedbackPending: {StatusCompleted},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// cancellable lists the states a caller may cancel from. EXECUTING is
// left to the driver outcome.
var cancellable = []Status{StatusStandby, StatusPendingApproval, StatusDelayed, StatusApproved}

// Resolution records how the approval decision ended.
type Resolution string

// Resolutions.
const (
	ResolutionApproved  Resolution = "APPROVED"
	ResolutionDelayed   Resolution = "DELAYED"
	ResolutionCancelled Resolution = "CANCELLED"
	ResolutionExpired   Resolution = "EXPIRED"
)

// VolumeSource says where the requested dose came from.
type VolumeSource string

// Volume sources.
const (
	SourceCalibration VolumeSource = "calibration"
	SourcePredictor   VolumeSource = "predictor"
)

// Request is one watering of one plant by one pump, from proposal to
// feedback.
type Request struct {
	ID                  string               `json:"request_id"`
	PlantID             string               `json:"plant_id"`
	UnitID              string               `json:"unit_id"`
	ActuatorID          string               `json:"actuator_id"`
	ScheduleID          string               `json:"schedule_id,omitempty"`
	Status              Status               `json:"status"`
	RequestedVolumeML   float64              `json:"requested_volume_ml"`
	RequestedDurationS  float64              `json:"requested_duration_s"`
	VolumeSource        VolumeSource         `json:"volume_source"`
	CreatedAt           time.Time            `json:"created_at"`
	DecisionDeadline    time.Time            `json:"decision_deadline"`
	ResolvedAt          *time.Time           `json:"resolved_at,omitempty"`
	Resolution          Resolution           `json:"resolution,omitempty"`
	ExecutedAt          *time.Time           `json:"executed_at,omitempty"`
	Feedback            calibration.Feedback `json:"feedback,omitempty"`
	Notes               string               `json:"notes,omitempty"`
	DelayCount          int                  `json:"delay_count"`
	Attempts            int                  `json:"attempts"`
	FeedbackRequestedAt *time.Time           `json:"feedback_requested_at,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Open reports whether the request still occupies its plant and pump.
func (r *Request) Open() bool {
	return !r.Status.Terminal()
}

// DeepCopy returns an independent copy of r.
func (r *Request) DeepCopy() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ResolvedAt = copyTime(r.ResolvedAt)
	cp.ExecutedAt = copyTime(r.ExecutedAt)
	cp.FeedbackRequestedAt = copyTime(r.FeedbackRequestedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// addNote appends a line to the request's notes.
func (r *Request) addNote(note string) {
	if r.Notes == "" {
		r.Notes = note
		return
	}
	r.Notes += "; " + note
}

// Transition is the event published for every status change.
type Transition struct {
	RequestID  string    `json:"request_id"`
	PlantID    string    `json:"plant_id"`
	ActuatorID string    `json:"actuator_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Source     string    `json:"source"`
	UserID     string    `json:"user_id,omitempty"`
	At         time.Time `json:"at"`
}

// Prediction is a dose suggested by the volume predictor.
type Prediction struct {
	VolumeML   float64 `json:"volume_ml"`
	DurationS  float64 `json:"duration_s"`
	Confidence float64 `json:"confidence"`
}
