// Package eligibility turns schedules, sensor readings, and manual
// overrides into one execution verdict per (unit, device type) pair.
//
// Each tick:
//
//	schedule_verdict  = an enabled schedule is active now
//	threshold_verdict = the rule's sensor is on the triggering side, or
//	                    the rule's fail policy when no usable reading exists,
//	                    or true when the pair has no rule
//	final_verdict     = override ?? (schedule_verdict && threshold_verdict)
//
// A trace is written for every tick. A false-to-true transition for an
// irrigation device becomes a Candidate for the irrigation coordinator;
// other devices are switched directly.
//
// Ticks for one pair never overlap: a tick that finds the pair busy is
// skipped and counted, not queued.
package eligibility

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
	"github.com/nerrad567/grow-logic-core/internal/keylock"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
	"github.com/nerrad567/grow-logic-core/internal/sensor"
	"github.com/nerrad567/grow-logic-core/internal/unit"
)

// Logger is the logging interface used by the evaluator.
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

// Schedules is the schedule manager as seen by the evaluator.
type Schedules interface {
	ResolveActive(unitID string, deviceType schedule.DeviceType, at time.Time) *schedule.Schedule
	Pairs() []schedule.Pair
}

// Inventory supplies threshold rules and the actuators to switch.
type Inventory interface {
	ThresholdRule(unitID string, deviceType schedule.DeviceType) (unit.ThresholdRule, bool)
	ThresholdPairs() []schedule.Pair
	ActuatorsFor(unitID string, deviceType schedule.DeviceType) []unit.Actuator
}

// SensorProvider is the sensor reading collaborator.
type SensorProvider interface {
	GetLatestReading(ctx context.Context, sensorID string) (sensor.Reading, error)
}

// Switch is the part of the actuator driver used for non-irrigation devices.
type Switch interface {
	SetState(ctx context.Context, actuatorID string, on bool) error
}

// Recorder receives every verdict, typically the InfluxDB client.
type Recorder interface {
	WriteVerdict(unitID, deviceType string, scheduleVerdict, thresholdVerdict, finalVerdict bool, at time.Time)
}

// Stream exports traces, typically a Kafka topic.
type Stream interface {
	Publish(key string, v any) error
}

// Deps holds the evaluator's collaborators. Schedules, Inventory, Sensors,
// Switch, and Repo are required.
type Deps struct {
	Schedules Schedules
	Inventory Inventory
	Sensors   SensorProvider
	Switch    Switch
	Repo      Repository
	Audit     audit.Appender
	Recorder  Recorder // optional
	Stream    Stream   // optional
	Config    config.EligibilityConfig
	Logger    Logger
	Clock     func() time.Time
}

// Stats counts evaluator activity since start.
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Skipped    uint64 `json:"skipped"`
	Failed     uint64 `json:"failed"`
	Candidates uint64 `json:"candidates"`
}

// Evaluator runs eligibility ticks.
type Evaluator struct {
	schedules Schedules
	inventory Inventory
	sensors   SensorProvider
	switcher  Switch
	repo      Repository
	audit     audit.Appender
	recorder  Recorder
	stream    Stream
	cfg       config.EligibilityConfig
	logger    Logger
	now       func() time.Time

	locks      keylock.Map
	candidates chan Candidate

	stateMu  sync.Mutex
	previous map[schedule.Pair]bool      // last final verdict
	lastAt   map[schedule.Pair]time.Time // last trace time
	applied  map[schedule.Pair]bool      // last state confirmed by the driver
	unsynced map[schedule.Pair]bool      // last switch failed
	carried  map[schedule.Pair]bool      // on before restart, not yet ticked
	restored bool

	ticks, skipped, failed, emitted atomic.Uint64
}

// NewEvaluator creates an evaluator.
func NewEvaluator(deps Deps) (*Evaluator, error) {
	if deps.Schedules == nil || deps.Inventory == nil || deps.Sensors == nil || deps.Switch == nil || deps.Repo == nil {
		return nil, errors.New("eligibility: schedules, inventory, sensors, switch, and repository are required")
	}
	buffer := deps.Config.CandidateBuffer
	if buffer <= 0 {
		buffer = 64
	}
	e := &Evaluator{
		schedules:  deps.Schedules,
		inventory:  deps.Inventory,
		sensors:    deps.Sensors,
		switcher:   deps.Switch,
		repo:       deps.Repo,
		audit:      deps.Audit,
		recorder:   deps.Recorder,
		stream:     deps.Stream,
		cfg:        deps.Config,
		logger:     deps.Logger,
		now:        deps.Clock,
		candidates: make(chan Candidate, buffer),
		previous:   make(map[schedule.Pair]bool),
		lastAt:     make(map[schedule.Pair]time.Time),
		applied:    make(map[schedule.Pair]bool),
		unsynced:   make(map[schedule.Pair]bool),
		carried:    make(map[schedule.Pair]bool),
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Candidates returns the channel candidate irrigation events are sent on,
// in emission order.
func (e *Evaluator) Candidates() <-chan Candidate {
	return e.candidates
}

// Stats returns activity counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Ticks:      e.ticks.Load(),
		Skipped:    e.skipped.Load(),
		Failed:     e.failed.Load(),
		Candidates: e.emitted.Load(),
	}
}

// Pairs returns every tracked pair: those with an enabled schedule, a
// threshold rule, or a stored override, plus any pair whose last verdict is
// on or whose last switch failed. A pair that loses its schedule keeps
// ticking until its off verdict has reached the driver.
func (e *Evaluator) Pairs(ctx context.Context) ([]schedule.Pair, error) {
	if err := e.restoreActive(ctx); err != nil {
		return nil, err
	}
	// Expired overrides are included so their expiry tick runs.
	overrides, err := e.repo.ListOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing overrides: %w", err)
	}

	all := slices.Concat(e.schedules.Pairs(), e.inventory.ThresholdPairs())
	for i := range overrides {
		all = append(all, overrides[i].Pair())
	}
	e.stateMu.Lock()
	for p, on := range e.previous {
		if on {
			all = append(all, p)
		}
	}
	for p := range e.unsynced {
		all = append(all, p)
	}
	for p := range e.carried {
		all = append(all, p)
	}
	e.stateMu.Unlock()

	slices.SortFunc(all, func(a, b schedule.Pair) int {
		return cmp.Or(cmp.Compare(a.UnitID, b.UnitID), cmp.Compare(a.DeviceType, b.DeviceType))
	})
	return slices.Compact(all), nil
}

// restoreActive loads, once per process, the pairs whose stored verdict
// was on so they are ticked even if their schedule is gone.
func (e *Evaluator) restoreActive(ctx context.Context) error {
	e.stateMu.Lock()
	done := e.restored
	e.stateMu.Unlock()
	if done {
		return nil
	}

	pairs, err := e.repo.ActivePairs(ctx)
	if err != nil {
		return fmt.Errorf("loading active pairs: %w", err)
	}

	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.restored {
		return nil
	}
	for _, p := range pairs {
		if _, known := e.previous[p]; !known {
			e.carried[p] = true
		}
	}
	e.restored = true
	return nil
}

// Tick evaluates pair once. It returns ErrTickInProgress without doing
// anything when another tick for the pair is running.
func (e *Evaluator) Tick(ctx context.Context, pair schedule.Pair) (*Trace, error) {
	unlock, ok := e.locks.TryLock(pair.String())
	if !ok {
		e.skipped.Add(1)
		e.logger.Warn("skipping eligibility tick, previous tick still running", "pair", pair.String())
		return nil, ErrTickInProgress
	}
	defer unlock()

	e.ticks.Add(1)
	trace, err := e.evaluate(ctx, pair)
	if err != nil {
		e.failed.Add(1)
		return nil, err
	}
	return trace, nil
}

// EvaluateNow runs one tick for a tracked pair through the same
// serialised path as the periodic loop.
func (e *Evaluator) EvaluateNow(ctx context.Context, unitID string, deviceType schedule.DeviceType) (*Trace, error) {
	pair := schedule.Pair{UnitID: unitID, DeviceType: deviceType}
	pairs, err := e.Pairs(ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(pairs, pair) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	return e.Tick(ctx, pair)
}

// ListTraces returns the pair's newest limit traces, oldest first.
func (e *Evaluator) ListTraces(ctx context.Context, unitID string, deviceType schedule.DeviceType, limit int) ([]Trace, error) {
	return e.repo.ListTraces(ctx, schedule.Pair{UnitID: unitID, DeviceType: deviceType}, limit)
}

func (e *Evaluator) evaluate(ctx context.Context, pair schedule.Pair) (*Trace, error) {
	now := e.now().UTC().Truncate(time.Microsecond)
	prev, lastAt, err := e.lastState(ctx, pair)
	if err != nil {
		return nil, err
	}

	// Windows and reading ages use the clock; only the trace stamp is
	// nudged past the previous one when the clock has stepped back.
	trace := &Trace{UnitID: pair.UnitID, DeviceType: pair.DeviceType, EvaluatedAt: now}
	clockAdjusted := !lastAt.IsZero() && !now.After(lastAt)
	if clockAdjusted {
		trace.EvaluatedAt = lastAt.Add(time.Microsecond)
		e.logger.Warn("clock behind last trace, adjusting trace time",
			"pair", pair.String(), "clock", now, "last_trace", lastAt)
	}

	// 1. Schedule window.
	if active := e.schedules.ResolveActive(pair.UnitID, pair.DeviceType, now); active != nil {
		trace.ScheduleVerdict = true
		trace.WinningScheduleID = active.ID
		trace.ReasonCodes = append(trace.ReasonCodes, ReasonScheduleActive)
	} else {
		trace.ReasonCodes = append(trace.ReasonCodes, ReasonNoActiveSchedule)
	}

	// 2. Threshold rule.
	if rule, ok := e.inventory.ThresholdRule(pair.UnitID, pair.DeviceType); ok {
		verdict, codes := e.checkThreshold(ctx, rule, now)
		trace.ThresholdVerdict = verdict
		trace.ReasonCodes = append(trace.ReasonCodes, codes...)
	} else {
		trace.ThresholdVerdict = true
		trace.ReasonCodes = append(trace.ReasonCodes, ReasonNoThresholdRule)
	}

	// 3. Manual override.
	override, err := e.activeOverride(ctx, pair, now)
	switch {
	case errors.Is(err, errOverrideExpired):
		trace.ReasonCodes = append(trace.ReasonCodes, ReasonOverrideExpired)
	case err != nil:
		return nil, err
	case override != nil:
		state := override.State
		trace.OverrideVerdict = &state
		trace.ReasonCodes = append(trace.ReasonCodes, pick(state, ReasonOverrideOn, ReasonOverrideOff))
	}

	// 4. Final verdict.
	trace.FinalVerdict = trace.ScheduleVerdict && trace.ThresholdVerdict
	if trace.OverrideVerdict != nil {
		trace.FinalVerdict = *trace.OverrideVerdict
	}

	if trace.FinalVerdict != prev {
		trace.ReasonCodes = append(trace.ReasonCodes, pick(trace.FinalVerdict, ReasonVerdictOn, ReasonVerdictOff))
	}
	if clockAdjusted {
		trace.ReasonCodes = append(trace.ReasonCodes, ReasonClockAdjusted)
	}

	// 5. Trace, unconditionally.
	if err := e.repo.AppendTrace(ctx, trace); err != nil {
		return nil, fmt.Errorf("appending trace for %s: %w", pair, err)
	}
	e.stateMu.Lock()
	e.previous[pair] = trace.FinalVerdict
	e.lastAt[pair] = trace.EvaluatedAt
	delete(e.carried, pair)
	e.stateMu.Unlock()

	e.export(trace)

	// 6. Act on the verdict.
	if pair.DeviceType.IsIrrigation() {
		if trace.FinalVerdict && !prev {
			e.emit(ctx, trace)
		}
	} else {
		e.forward(ctx, pair, trace.FinalVerdict)
	}
	return trace, nil
}

// checkThreshold evaluates rule and returns the verdict with its reason codes.
func (e *Evaluator) checkThreshold(ctx context.Context, rule unit.ThresholdRule, now time.Time) (bool, []string) {
	timeout := e.cfg.GetSensorTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reading, err := e.sensors.GetLatestReading(sctx, rule.SensorID)
	var cause string
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cause = ReasonSensorTimeout
	case err != nil:
		cause = ReasonSensorUnavailable
	case reading.Kind != rule.Metric:
		cause = ReasonSensorKindMismatch
	default:
		if maxAge := rule.MaxAge(e.cfg.GetMaxReadingAge()); maxAge > 0 && reading.Age(now) > maxAge {
			cause = ReasonSensorStale
		}
	}

	if cause == "" {
		if rule.Triggered(reading.Value) {
			return true, []string{ReasonThresholdTriggered}
		}
		return false, []string{ReasonThresholdNotTriggered}
	}

	e.logger.Warn("sensor reading unusable, applying fail policy",
		"sensor_id", rule.SensorID, "cause", cause, "fail_open", rule.FailsOpen(), "error", err)
	if rule.FailsOpen() {
		return true, []string{cause, ReasonFailOpen}
	}
	return false, []string{cause, ReasonFailClosed}
}

func pick(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}

var errOverrideExpired = errors.New("override expired")

// activeOverride returns the pair's override in force at now. An expired
// override is removed and reported as errOverrideExpired alongside nil.
func (e *Evaluator) activeOverride(ctx context.Context, pair schedule.Pair, now time.Time) (*Override, error) {
	o, err := e.repo.GetOverride(ctx, pair)
	if errors.Is(err, ErrNoOverride) {
		return nil, nil //nolint:nilnil // no override is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("loading override for %s: %w", pair, err)
	}
	if o.ActiveAt(now) {
		return o, nil
	}

	if err := e.repo.ClearOverride(ctx, pair); err != nil && !errors.Is(err, ErrNoOverride) {
		e.logger.Warn("failed to remove expired override", "pair", pair.String(), "error", err)
	}
	e.recordOverride(ctx, "override_expired", o, audit.SourceSystem, "")
	return nil, errOverrideExpired
}

// lastState returns the pair's last final verdict and trace time, loading
// them from the latest trace after a restart. A pair never evaluated
// returns false and the zero time.
func (e *Evaluator) lastState(ctx context.Context, pair schedule.Pair) (bool, time.Time, error) {
	e.stateMu.Lock()
	prev, ok := e.previous[pair]
	at := e.lastAt[pair]
	e.stateMu.Unlock()
	if ok {
		return prev, at, nil
	}

	latest, err := e.repo.LatestTrace(ctx, pair)
	if errors.Is(err, ErrNoTrace) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("loading latest trace for %s: %w", pair, err)
	}
	return latest.FinalVerdict, latest.EvaluatedAt, nil
}

func (e *Evaluator) export(trace *Trace) {
	if e.recorder != nil {
		e.recorder.WriteVerdict(trace.UnitID, string(trace.DeviceType),
			trace.ScheduleVerdict, trace.ThresholdVerdict, trace.FinalVerdict, trace.EvaluatedAt)
	}
	if e.stream != nil {
		if err := e.stream.Publish(trace.Pair().String(), trace); err != nil {
			e.logger.Debug("trace not exported", "pair", trace.Pair().String(), "error", err)
		}
	}
}

// emit hands a candidate to the coordinator. It blocks while the channel
// is full, holding the pair lock so later ticks for the pair are skipped
// rather than reordered.
func (e *Evaluator) emit(ctx context.Context, trace *Trace) {
	c := Candidate{
		UnitID:      trace.UnitID,
		DeviceType:  trace.DeviceType,
		ScheduleID:  trace.WinningScheduleID,
		EvaluatedAt: trace.EvaluatedAt,
		TraceSeq:    trace.Seq,
	}
	select {
	case e.candidates <- c:
		e.emitted.Add(1)
		e.logger.Info("irrigation candidate emitted", "pair", trace.Pair().String(), "trace_seq", trace.Seq)
	case <-ctx.Done():
		e.logger.Warn("irrigation candidate dropped on shutdown", "pair", trace.Pair().String(), "trace_seq", trace.Seq)
	}
}

// forward switches every actuator of a non-irrigation pair when the
// verdict differs from the last state the driver confirmed.
func (e *Evaluator) forward(ctx context.Context, pair schedule.Pair, on bool) {
	e.stateMu.Lock()
	applied, known := e.applied[pair]
	e.stateMu.Unlock()
	if known && applied == on {
		return
	}

	timeout := e.cfg.GetDriverTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ok := true
	for _, a := range e.inventory.ActuatorsFor(pair.UnitID, pair.DeviceType) {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		err := e.switcher.SetState(dctx, a.ID, on)
		cancel()
		if err != nil {
			ok = false
			e.logger.Error("failed to switch actuator", "pair", pair.String(), "actuator_id", a.ID, "on", on, "error", err)
		}
	}

	e.stateMu.Lock()
	if ok {
		e.applied[pair] = on
		delete(e.unsynced, pair)
	} else {
		delete(e.applied, pair) // retry next tick
		e.unsynced[pair] = true
	}
	e.stateMu.Unlock()
}
