// Package irrigation runs the approval workflow for watering requests.
//
// A request moves through
//
//	STANDBY -> PENDING_APPROVAL -> APPROVED -> EXECUTING -> EXECUTED -> FEEDBACK_PENDING -> COMPLETED
//
// with PENDING_APPROVAL -> DELAYED -> PENDING_APPROVAL for postponed
// decisions and CANCELLED or EXPIRED as the other ways out. COMPLETED,
// CANCELLED, and EXPIRED are terminal.
//
// Transitions for one request are serialised by a lock keyed by request id.
// Creation is serialised by a lock keyed by (plant, pump), backed by a
// partial unique index, so a plant and pump never have two open requests.
package irrigation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/calibration"
	"github.com/nerrad567/grow-logic-core/internal/eligibility"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
	"github.com/nerrad567/grow-logic-core/internal/keylock"
	"github.com/nerrad567/grow-logic-core/internal/notify"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
	"github.com/nerrad567/grow-logic-core/internal/unit"
)

// DefaultNotifyTarget receives notifications for pumps without a target.
const DefaultNotifyTarget = "operators"

// collaboratorTimeout bounds notification and predictor calls.
const collaboratorTimeout = 10 * time.Second

// Logger is the logging interface used by the coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Calibrations is the pump calibration tracker as seen by the coordinator.
type Calibrations interface {
	GetCalibration(ctx context.Context, actuatorID string) (*calibration.PumpCalibration, error)
	AdjustFromFeedback(ctx context.Context, actuatorID string, fb calibration.Feedback, step float64) (*calibration.PumpCalibration, error)
}

// Inventory resolves pumps and the plants they water.
type Inventory interface {
	Actuator(id string) (unit.Actuator, bool)
	UnitOf(actuatorID string) (string, bool)
	ActuatorsFor(unitID string, deviceType schedule.DeviceType) []unit.Actuator
}

// Driver runs a pump for a duration.
type Driver interface {
	Activate(ctx context.Context, actuatorID string, durationS float64) error
}

// Predictor suggests a dose for a plant.
type Predictor interface {
	PredictVolume(ctx context.Context, plantID string) (Prediction, error)
}

// Recorder receives executed doses, typically the InfluxDB client.
type Recorder interface {
	WriteIrrigation(actuatorID, plantID string, volumeML, durationS float64, at time.Time)
}

// Stream exports transitions, typically a Kafka topic.
type Stream interface {
	Publish(key string, v any) error
}

// Deps holds the coordinator's collaborators. Repo, Calibration,
// Inventory, and Driver are required.
type Deps struct {
	Repo        Repository
	Calibration Calibrations
	Inventory   Inventory
	Driver      Driver
	Notifier    notify.Notifier // optional
	Predictor   Predictor       // optional
	Policy      ExpiryPolicy    // default ExpirePolicy
	Audit       audit.Appender
	Recorder    Recorder // optional
	Stream      Stream   // optional
	Config      config.IrrigationConfig
	Logger      Logger
	Clock       func() time.Time

	// Sleep waits between driver attempts. The default honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Coordinator owns every irrigation request.
type Coordinator struct {
	repo        Repository
	calibration Calibrations
	inventory   Inventory
	driver      Driver
	notifier    notify.Notifier
	predictor   Predictor
	policy      ExpiryPolicy
	audit       audit.Appender
	recorder    Recorder
	stream      Stream
	cfg         config.IrrigationConfig
	logger      Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	locks keylock.Map
}

// NewCoordinator creates a coordinator.
func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Repo == nil || deps.Calibration == nil || deps.Inventory == nil || deps.Driver == nil {
		return nil, errors.New("irrigation: repository, calibration, inventory, and driver are required")
	}
	c := &Coordinator{
		repo:        deps.Repo,
		calibration: deps.Calibration,
		inventory:   deps.Inventory,
		driver:      deps.Driver,
		notifier:    deps.Notifier,
		predictor:   deps.Predictor,
		policy:      deps.Policy,
		audit:       deps.Audit,
		recorder:    deps.Recorder,
		stream:      deps.Stream,
		cfg:         deps.Config,
		logger:      deps.Logger,
		now:         deps.Clock,
		sleep:       deps.Sleep,
	}
	if c.policy == nil {
		c.policy = ExpirePolicy{}
	}
	if c.audit == nil {
		c.audit = audit.Nop{}
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func requestKey(id string) string {
	return keylock.Key("request", id)
}

func targetKey(plantID, actuatorID string) string {
	return keylock.Key("target", plantID, actuatorID)
}

// openStatuses returns every non-terminal status.
func openStatuses() []Status {
	return slices.DeleteFunc(AllStatuses(), Status.Terminal)
}

// Run consumes candidates in order until ctx is cancelled or the channel
// closes.
func (c *Coordinator) Run(ctx context.Context, candidates <-chan eligibility.Candidate) error {
	c.logger.Info("irrigation coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("irrigation coordinator stopping")
			return nil
		case cand, ok := <-candidates:
			if !ok {
				return nil
			}
			if _, err := c.HandleCandidate(ctx, cand); err != nil {
				c.logger.Error("failed to handle irrigation candidate",
					"unit_id", cand.UnitID, "trace_seq", cand.TraceSeq, "error", err)
			}
		}
	}
}

// HandleCandidate opens a request for every pump of the candidate's unit
// that has no open request. Pumps that already have one are skipped.
func (c *Coordinator) HandleCandidate(ctx context.Context, cand eligibility.Candidate) ([]*Request, error) {
	pumps := c.inventory.ActuatorsFor(cand.UnitID, cand.DeviceType)
	if len(pumps) == 0 {
		return nil, fmt.Errorf("%w: unit %s has no %s actuators", ErrUnknownActuator, cand.UnitID, cand.DeviceType)
	}

	var (
		created []*Request
		errs    []error
	)
	for _, a := range pumps {
		r, err := c.create(ctx, a, cand.ScheduleID, audit.SourceSystem, "")
		switch {
		case errors.Is(err, ErrOpenRequest):
			c.logger.Info("irrigation candidate ignored, request already open",
				"plant_id", a.PlantID, "actuator_id", a.ID, "trace_seq", cand.TraceSeq)
		case err != nil:
			errs = append(errs, fmt.Errorf("pump %s: %w", a.ID, err))
		default:
			created = append(created, r)
		}
	}
	return created, errors.Join(errs...)
}

// CreateRequest opens a request for a pump outside the eligibility loop.
func (c *Coordinator) CreateRequest(ctx context.Context, actuatorID, userID string) (*Request, error) {
	a, ok := c.inventory.Actuator(actuatorID)
	if !ok || !a.DeviceType.IsIrrigation() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActuator, actuatorID)
	}
	return c.create(ctx, a, "", audit.SourceAPI, userID)
}

func (c *Coordinator) create(ctx context.Context, a unit.Actuator, scheduleID, source, userID string) (*Request, error) {
	unlock := c.locks.Lock(targetKey(a.PlantID, a.ID))
	defer unlock()

	open, err := c.repo.List(ctx, Filter{Statuses: openStatuses(), PlantID: a.PlantID, ActuatorID: a.ID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("%w: %s is %s", ErrOpenRequest, open[0].ID, open[0].Status)
	}

	volume, duration, volumeSource, err := c.size(ctx, a)
	if err != nil {
		return nil, err
	}

	unitID, _ := c.inventory.UnitOf(a.ID)
	now := c.clock()
	r := &Request{
		ID:                 uuid.NewString(),
		PlantID:            a.PlantID,
		UnitID:             unitID,
		ActuatorID:         a.ID,
		ScheduleID:         scheduleID,
		Status:             StatusStandby,
		RequestedVolumeML:  volume,
		RequestedDurationS: duration,
		VolumeSource:       volumeSource,
		CreatedAt:          now,
		DecisionDeadline:   now,
		UpdatedAt:          now,
	}
	if err := c.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	c.record(ctx, "create", r, source, userID, map[string]any{
		"volume_ml":     r.RequestedVolumeML,
		"duration_s":    r.RequestedDurationS,
		"volume_source": string(r.VolumeSource),
	})
	c.publish(r, "", source, userID)

	unlockReq := c.locks.Lock(requestKey(r.ID))
	defer unlockReq()
	if err := c.requestApproval(ctx, r, source, userID); err != nil {
		return nil, err
	}
	return r, nil
}

// requestApproval moves a STANDBY or DELAYED request to PENDING_APPROVAL
// with a fresh deadline and asks the operator.
func (c *Coordinator) requestApproval(ctx context.Context, r *Request, source, userID string) error {
	deadline := c.clock().Add(c.cfg.GetApprovalTimeout())
	err := c.transition(ctx, r, StatusPendingApproval, source, userID, func(n *Request) {
		n.DecisionDeadline = deadline
	})
	if err != nil {
		return err
	}
	c.notifyApproval(ctx, r)
	return nil
}

// size computes the dose for a: the pump's calibrated rate and feedback
// factor applied to its base volume, replaced by a confident prediction.
func (c *Coordinator) size(ctx context.Context, a unit.Actuator) (float64, float64, VolumeSource, error) {
	cal, err := c.calibration.GetCalibration(ctx, a.ID)
	if err != nil {
		return 0, 0, "", fmt.Errorf("loading calibration for %s: %w", a.ID, err)
	}
	base := a.BaseVolumeML
	if base <= 0 {
		base = c.cfg.DefaultVolumeML
	}
	volume := cal.EffectiveVolume(base)
	duration := cal.DurationFor(volume)
	source := SourceCalibration

	if c.predictor != nil {
		pctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		p, err := c.predictor.PredictVolume(pctx, a.PlantID)
		cancel()
		switch {
		case err != nil:
			c.logger.Debug("volume prediction unavailable", "plant_id", a.PlantID, "error", err)
		case p.VolumeML <= 0 || p.Confidence < c.cfg.PredictorConfidence:
			c.logger.Debug("volume prediction ignored", "plant_id", a.PlantID,
				"volume_ml", p.VolumeML, "confidence", p.Confidence)
		default:
			volume = p.VolumeML
			duration = p.DurationS
			if duration <= 0 {
				duration = cal.DurationFor(volume)
			}
			source = SourcePredictor
		}
	}

	if volume <= 0 || duration <= 0 {
		return 0, 0, "", fmt.Errorf("%w: %s", ErrNoFlowRate, a.ID)
	}
	return volume, duration, source, nil
}

// transition moves r to status to, applying mutate to the stored copy.
// r is updated only when the write succeeds.
func (c *Coordinator) transition(ctx context.Context, r *Request, to Status, source, userID string, mutate func(*Request)) error {
	from := r.Status
	if from.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.ID, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := r.DeepCopy()
	next.Status = to
	next.UpdatedAt = c.clock()
	if mutate != nil {
		mutate(next)
	}
	if err := c.repo.Update(ctx, next, from); err != nil {
		return err
	}
	*r = *next

	c.record(ctx, "transition", r, source, userID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	c.publish(r, from, source, userID)
	c.logger.Info("irrigation request transitioned",
		"request_id", r.ID, "from", from, "to", to, "source", source)
	return nil
}

// stateError reports why r cannot undergo op.
func stateError(r *Request, op string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: cannot %s %s, it is %s", ErrTerminal, op, r.ID, r.Status)
	}
	return fmt.Errorf("%w: cannot %s %s while %s", ErrInvalidTransition, op, r.ID, r.Status)
}

// GetRequest returns a request by id.
func (c *Coordinator) GetRequest(ctx context.Context, id string) (*Request, error) {
	return c.repo.Get(ctx, id)
}

// ListRequests returns requests matching f, oldest first.
func (c *Coordinator) ListRequests(ctx context.Context, f Filter) ([]Request, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
		}
	}
	return c.repo.List(ctx, f)
}

// HasOpenRequestForSchedule reports whether an open request was created
// from the schedule.
func (c *Coordinator) HasOpenRequestForSchedule(ctx context.Context, scheduleID string) (bool, error) {
	return c.repo.HasOpenForSchedule(ctx, scheduleID)
}

// OpenCount returns the number of open requests.
func (c *Coordinator) OpenCount(ctx context.Context) (int, error) {
	return c.repo.CountOpen(ctx)
}

func (c *Coordinator) record(ctx context.Context, action string, r *Request, source, userID string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["plant_id"] = r.PlantID
	details["actuator_id"] = r.ActuatorID
	err := c.audit.Create(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: audit.EntityIrrigationRequest,
		EntityID:   r.ID,
		UserID:     userID,
		Source:     source,
		Details:    details,
	})
	if err != nil {
		c.logger.Warn("failed to write audit log", "action", action, "request_id", r.ID, "error", err)
	}
}

func (c *Coordinator) publish(r *Request, from Status, source, userID string) {
	if c.stream == nil {
		return
	}
	err := c.stream.Publish(r.ID, Transition{
		RequestID:  r.ID,
		PlantID:    r.PlantID,
		ActuatorID: r.ActuatorID,
		From:       from,
		To:         r.Status,
		Source:     source,
		UserID:     userID,
		At:         r.UpdatedAt,
	})
	if err != nil {
		c.logger.Debug("transition not exported", "request_id", r.ID, "error", err)
	}
}
