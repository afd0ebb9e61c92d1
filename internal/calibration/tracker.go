// Package calibration learns each pump's flow rate from timed measurement
// runs and tunes its dose from operator feedback.
//
// The two are kept apart: a calibration session measures the physical
// flow rate, while feedback moves a separate adjustment factor applied to
// the dose. Feedback never rewrites the measured rate.
//
// All mutations for one actuator are serialised by a per-actuator lock.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
	"github.com/nerrad567/grow-logic-core/internal/keylock"
	"github.com/nerrad567/grow-logic-core/internal/unit"
)

// maxSessionDurationS caps a measurement run.
const maxSessionDurationS = 600

// Logger is the logging interface used by the tracker.
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

// Driver runs the pump for a measurement session.
type Driver interface {
	Activate(ctx context.Context, actuatorID string, durationS float64) error
}

// Inventory checks that an actuator exists.
type Inventory interface {
	Actuator(id string) (unit.Actuator, bool)
}

// Recorder receives accepted calibrations, typically the InfluxDB client.
type Recorder interface {
	WriteCalibration(actuatorID string, flowRate, factor float64, at time.Time)
}

// Deps holds the tracker's collaborators. Repo is required.
type Deps struct {
	Repo      Repository
	Audit     audit.Appender
	Driver    Driver    // optional: without it the operator runs the pump by hand
	Inventory Inventory // optional: without it any actuator id is accepted
	Recorder  Recorder  // optional
	Config    config.CalibrationConfig
	Logger    Logger
	Clock     func() time.Time
}

// Tracker implements the pump calibration operations.
type Tracker struct {
	repo      Repository
	audit     audit.Appender
	driver    Driver
	inventory Inventory
	recorder  Recorder
	cfg       config.CalibrationConfig
	logger    Logger
	now       func() time.Time
	locks     keylock.Map
}

// NewTracker creates a tracker.
func NewTracker(deps Deps) (*Tracker, error) {
	if deps.Repo == nil {
		return nil, errors.New("calibration: repository is required")
	}
	t := &Tracker{
		repo:      deps.Repo,
		audit:     deps.Audit,
		driver:    deps.Driver,
		inventory: deps.Inventory,
		recorder:  deps.Recorder,
		cfg:       deps.Config,
		logger:    deps.Logger,
		now:       deps.Clock,
	}
	if t.audit == nil {
		t.audit = audit.Nop{}
	}
	if t.logger == nil {
		t.logger = noopLogger{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t, nil
}

func (t *Tracker) clock() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

func (t *Tracker) checkActuator(actuatorID string) error {
	if actuatorID == "" {
		return fmt.Errorf("%w: actuator id is required", ErrUnknownActuator)
	}
	if t.inventory == nil {
		return nil
	}
	if _, ok := t.inventory.Actuator(actuatorID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActuator, actuatorID)
	}
	return nil
}

// GetCalibration returns the actuator's calibration. An actuator that was
// never calibrated gets the configured default rate and a factor of 1.
func (t *Tracker) GetCalibration(ctx context.Context, actuatorID string) (*PumpCalibration, error) {
	c, err := t.repo.Get(ctx, actuatorID)
	if errors.Is(err, ErrNotFound) {
		return t.defaultCalibration(actuatorID), nil
	}
	return c, err
}

// ListCalibrations returns every stored calibration.
func (t *Tracker) ListCalibrations(ctx context.Context) ([]PumpCalibration, error) {
	return t.repo.List(ctx)
}

func (t *Tracker) defaultCalibration(actuatorID string) *PumpCalibration {
	return &PumpCalibration{
		ActuatorID:       actuatorID,
		FlowRateMLPerS:   t.cfg.DefaultFlowRate,
		AdjustmentFactor: 1,
	}
}

// StartCalibration opens a measurement session and, when a driver is
// configured, runs the pump for durationS seconds. durationS of 0 uses the
// configured default. An expired open session is closed first.
func (t *Tracker) StartCalibration(ctx context.Context, actuatorID string, durationS float64) (*Session, error) {
	if err := t.checkActuator(actuatorID); err != nil {
		return nil, err
	}
	if durationS == 0 {
		durationS = float64(t.cfg.DefaultDuration)
	}
	if durationS <= 0 || durationS > maxSessionDurationS || math.IsNaN(durationS) {
		return nil, fmt.Errorf("%w: %.2fs (must be in (0, %d])", ErrInvalidDuration, durationS, maxSessionDurationS)
	}

	unlock := t.locks.Lock(actuatorID)
	defer unlock()

	now := t.clock()
	open, err := t.repo.OpenSession(ctx, actuatorID)
	switch {
	case err == nil && !open.Expired(now):
		return nil, fmt.Errorf("%w: session %s expires at %s", ErrSessionOpen, open.ID, open.ExpiresAt.Format(time.RFC3339))
	case err == nil:
		if err := t.repo.CloseSession(ctx, open.ID, now, OutcomeExpired); err != nil {
			return nil, fmt.Errorf("closing expired session: %w", err)
		}
		t.record(ctx, "session_expired", actuatorID, map[string]any{"session_id": open.ID})
	case !errors.Is(err, ErrNoSession):
		return nil, err
	}

	s := &Session{
		ID:         "cal-" + uuid.NewString(),
		ActuatorID: actuatorID,
		DurationS:  durationS,
		StartedAt:  now,
		ExpiresAt:  now.Add(t.cfg.GetSessionTimeout()),
	}
	if err := t.repo.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	if t.driver != nil {
		dctx, cancel := context.WithTimeout(ctx, t.driverTimeout())
		err := t.driver.Activate(dctx, actuatorID, durationS)
		cancel()
		if err != nil {
			if cerr := t.repo.CloseSession(ctx, s.ID, t.clock(), OutcomeFailed); cerr != nil {
				t.logger.Error("closing failed calibration session", "session_id", s.ID, "error", cerr)
			}
			t.record(ctx, "session_failed", actuatorID, map[string]any{"session_id": s.ID, "error": err.Error()})
			return nil, fmt.Errorf("running pump for calibration: %w", err)
		}
	}

	t.record(ctx, "session_started", actuatorID, map[string]any{"session_id": s.ID, "duration_s": durationS})
	t.logger.Info("calibration session started", "actuator_id", actuatorID, "session_id", s.ID, "duration_s", durationS)
	return s, nil
}

// CancelCalibration closes the actuator's open session without a result.
func (t *Tracker) CancelCalibration(ctx context.Context, actuatorID string) error {
	unlock := t.locks.Lock(actuatorID)
	defer unlock()

	open, err := t.repo.OpenSession(ctx, actuatorID)
	if err != nil {
		return err
	}
	if err := t.repo.CloseSession(ctx, open.ID, t.clock(), OutcomeCancelled); err != nil {
		return err
	}
	t.record(ctx, "session_cancelled", actuatorID, map[string]any{"session_id": open.ID})
	return nil
}

// CompleteCalibration records the volume measured during the open session
// and returns the updated flow rate. The session closes on every attempt:
// a rejected measurement needs a fresh run.
func (t *Tracker) CompleteCalibration(ctx context.Context, actuatorID string, measuredML float64) (float64, error) {
	unlock := t.locks.Lock(actuatorID)
	defer unlock()

	now := t.clock()
	open, err := t.repo.OpenSession(ctx, actuatorID)
	if err != nil {
		return 0, err
	}
	if open.Expired(now) {
		if err := t.repo.CloseSession(ctx, open.ID, now, OutcomeExpired); err != nil {
			return 0, err
		}
		t.record(ctx, "session_expired", actuatorID, map[string]any{"session_id": open.ID})
		return 0, fmt.Errorf("%w: expired at %s", ErrSessionExpired, open.ExpiresAt.Format(time.RFC3339))
	}

	current, err := t.GetCalibration(ctx, actuatorID)
	if err != nil {
		return 0, err
	}

	rate := measuredML / open.DurationS
	if reason := t.implausible(current, rate); reason != "" {
		if err := t.repo.CloseSession(ctx, open.ID, now, OutcomeRejected); err != nil {
			return 0, err
		}
		t.record(ctx, "measurement_rejected", actuatorID, map[string]any{
			"session_id": open.ID, "measured_ml": measuredML, "computed_rate": rate, "reason": reason,
		})
		t.logger.Warn("calibration measurement rejected",
			"actuator_id", actuatorID, "measured_ml", measuredML, "computed_rate", rate, "reason", reason)
		return 0, fmt.Errorf("%w: %s", ErrImplausible, reason)
	}

	next := current.DeepCopy()
	next.FlowRateMLPerS = t.smooth(current, rate)
	next.LastCalibratedAt = &now
	next.UpdatedAt = now
	next.History = append(next.History, HistoryEntry{
		MeasuredML: measuredML, DurationS: open.DurationS, ComputedRate: rate, Timestamp: now,
	})
	if limit := t.historyLimit(); len(next.History) > limit {
		next.History = next.History[len(next.History)-limit:]
	}

	if err := t.repo.SaveAndClose(ctx, next, open.ID, now, OutcomeCompleted); err != nil {
		return 0, err
	}

	t.record(ctx, "calibrate", actuatorID, map[string]any{
		"session_id": open.ID, "measured_ml": measuredML, "computed_rate": rate,
		"flow_rate_ml_per_s": next.FlowRateMLPerS,
	})
	if t.recorder != nil {
		t.recorder.WriteCalibration(actuatorID, next.FlowRateMLPerS, next.AdjustmentFactor, now)
	}
	t.logger.Info("pump calibrated", "actuator_id", actuatorID, "flow_rate_ml_per_s", next.FlowRateMLPerS)
	return next.FlowRateMLPerS, nil
}

// implausible returns why rate cannot be accepted, or "".
func (t *Tracker) implausible(current *PumpCalibration, rate float64) string {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return "flow rate must be positive"
	}
	if !current.Measured() || current.FlowRateMLPerS <= 0 {
		return ""
	}
	if limit := t.cfg.MaxDeviation; limit > 1 {
		if rate > current.FlowRateMLPerS*limit || rate < current.FlowRateMLPerS/limit {
			return fmt.Sprintf("rate %.2f ml/s deviates more than %gx from %.2f ml/s", rate, limit, current.FlowRateMLPerS)
		}
	}
	return ""
}

// smooth blends a new measurement into the estimate. The first measurement
// replaces the configured default outright.
func (t *Tracker) smooth(current *PumpCalibration, rate float64) float64 {
	if !current.Measured() {
		return rate
	}
	w := t.smoothingWeight()
	return w*rate + (1-w)*current.FlowRateMLPerS
}

// smoothingWeight is the share of a new measurement in the estimate. It
// always favours the new measurement over history.
func (t *Tracker) smoothingWeight() float64 {
	if w := t.cfg.SmoothingWeight; w > 0.5 && w < 1 {
		return w
	}
	return 0.7
}

func (t *Tracker) historyLimit() int {
	if t.cfg.HistoryLimit > 0 {
		return t.cfg.HistoryLimit
	}
	return 50
}

func (t *Tracker) driverTimeout() time.Duration {
	if d := t.cfg.GetDriverTimeout(); d > 0 {
		return d
	}
	return 30 * time.Second
}

// AdjustFromFeedback moves the adjustment factor by one step: up for
// TOO_LITTLE, down for TOO_MUCH, unchanged for JUST_RIGHT. step of 0 uses
// the configured step. The factor is clamped to [MinFactor, MaxFactor].
func (t *Tracker) AdjustFromFeedback(ctx context.Context, actuatorID string, fb Feedback, step float64) (*PumpCalibration, error) {
	if !fb.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeedback, fb)
	}
	if step == 0 {
		step = t.cfg.FeedbackStep
	}
	if step <= 0 || step > MaxFactor-MinFactor || math.IsNaN(step) {
		return nil, fmt.Errorf("%w: step %.3f", ErrInvalidFeedback, step)
	}
	if err := t.checkActuator(actuatorID); err != nil {
		return nil, err
	}

	unlock := t.locks.Lock(actuatorID)
	defer unlock()

	current, err := t.GetCalibration(ctx, actuatorID)
	if err != nil {
		return nil, err
	}

	next := current.DeepCopy()
	switch fb {
	case TooLittle:
		next.AdjustmentFactor += step
	case TooMuch:
		next.AdjustmentFactor -= step
	}
	next.AdjustmentFactor = clampFactor(next.AdjustmentFactor)

	if next.AdjustmentFactor != current.AdjustmentFactor {
		next.UpdatedAt = t.clock()
		if err := t.repo.Save(ctx, next); err != nil {
			return nil, err
		}
	}
	t.record(ctx, "feedback_adjust", actuatorID, map[string]any{
		"feedback": string(fb), "from": current.AdjustmentFactor, "to": next.AdjustmentFactor,
	})
	if t.recorder != nil && next.AdjustmentFactor != current.AdjustmentFactor {
		t.recorder.WriteCalibration(actuatorID, next.FlowRateMLPerS, next.AdjustmentFactor, next.UpdatedAt)
	}
	return next, nil
}

// clampFactor rounds away float drift from repeated steps and clamps.
func clampFactor(f float64) float64 {
	f = math.Round(f*1e6) / 1e6
	return min(max(f, MinFactor), MaxFactor)
}

func (t *Tracker) record(ctx context.Context, action, actuatorID string, details map[string]any) {
	err := t.audit.Create(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: audit.EntityPumpCalibration,
		EntityID:   actuatorID,
		Source:     audit.SourceSystem,
		Details:    details,
	})
	if err != nil {
		t.logger.Warn("failed to write audit log", "action", action, "actuator_id", actuatorID, "error", err)
	}
}
