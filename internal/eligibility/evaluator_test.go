package eligibility

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
	"github.com/nerrad567/grow-logic-core/internal/sensor"
	"github.com/nerrad567/grow-logic-core/internal/unit"

	_ "github.com/nerrad567/grow-logic-core/migrations"
)

var (
	pumpPair  = schedule.Pair{UnitID: "unit_a", DeviceType: schedule.DevicePump}
	lightPair = schedule.Pair{UnitID: "unit_a", DeviceType: schedule.DeviceLight}
)

var testConfig = config.EligibilityConfig{
	TickInterval:    1,
	SensorTimeout:   1,
	DriverTimeout:   1,
	MaxReadingAge:   900,
	CandidateBuffer: 8,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSchedules struct {
	mu     sync.Mutex
	active map[schedule.Pair]string
}

func (f *fakeSchedules) set(p schedule.Pair, scheduleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if scheduleID == "" {
		delete(f.active, p)
		return
	}
	f.active[p] = scheduleID
}

func (f *fakeSchedules) ResolveActive(unitID string, dt schedule.DeviceType, _ time.Time) *schedule.Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[schedule.Pair{UnitID: unitID, DeviceType: dt}]
	if !ok {
		return nil
	}
	return &schedule.Schedule{ID: id, UnitID: unitID, DeviceType: dt, Enabled: true}
}

func (f *fakeSchedules) Pairs() []schedule.Pair {
	return []schedule.Pair{lightPair, pumpPair}
}

type fakeInventory struct {
	rules     map[schedule.Pair]unit.ThresholdRule
	actuators map[schedule.Pair][]unit.Actuator
}

func (f *fakeInventory) ThresholdRule(unitID string, dt schedule.DeviceType) (unit.ThresholdRule, bool) {
	r, ok := f.rules[schedule.Pair{UnitID: unitID, DeviceType: dt}]
	return r, ok
}

func (f *fakeInventory) ThresholdPairs() []schedule.Pair {
	out := make([]schedule.Pair, 0, len(f.rules))
	for p := range f.rules {
		out = append(out, p)
	}
	return out
}

func (f *fakeInventory) ActuatorsFor(unitID string, dt schedule.DeviceType) []unit.Actuator {
	return f.actuators[schedule.Pair{UnitID: unitID, DeviceType: dt}]
}

type fakeSensors struct {
	mu       sync.Mutex
	readings map[string]sensor.Reading
	hang     bool

	// entered and release gate a lookup when non-nil.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSensors) put(r sensor.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[r.SensorID] = r
}

func (f *fakeSensors) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.readings, id)
}

func (f *fakeSensors) GetLatestReading(ctx context.Context, id string) (sensor.Reading, error) {
	f.mu.Lock()
	r, ok := f.readings[id]
	hang, entered, release := f.hang, f.entered, f.release
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if hang {
		<-ctx.Done()
		return sensor.Reading{}, ctx.Err()
	}
	if !ok {
		return sensor.Reading{}, sensor.ErrUnavailable
	}
	return r, nil
}

type switchCall struct {
	ActuatorID string
	On         bool
}

type fakeSwitch struct {
	mu    sync.Mutex
	calls []switchCall
	fail  bool
}

func (f *fakeSwitch) SetState(_ context.Context, id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, switchCall{id, on})
	if f.fail {
		return errors.New("relay offline")
	}
	return nil
}

func (f *fakeSwitch) snapshot() []switchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]switchCall(nil), f.calls...)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.AuditLog
}

func (r *recordingAudit) Create(_ context.Context, log *audit.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *log)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type recordingStream struct {
	mu   sync.Mutex
	keys []string
}

func (s *recordingStream) Publish(key string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

type harness struct {
	clock     *fakeClock
	schedules *fakeSchedules
	inventory *fakeInventory
	sensors   *fakeSensors
	switcher  *fakeSwitch
	audit     *recordingAudit
	stream    *recordingStream
	repo      *SQLiteRepository
	eval      *Evaluator
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.OpenMigrated(context.Background(), database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	return NewSQLiteRepository(openTestDB(t).DB)
}

func moistureRule(failOpen bool) unit.ThresholdRule {
	return unit.ThresholdRule{
		DeviceType: schedule.DevicePump,
		SensorID:   "moist-1",
		Metric:     sensor.KindSoilMoisture,
		Trigger:    30,
		Direction:  unit.Below,
		FailOpen:   &failOpen,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:     &fakeClock{now: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)},
		schedules: &fakeSchedules{active: map[schedule.Pair]string{}},
		inventory: &fakeInventory{
			rules: map[schedule.Pair]unit.ThresholdRule{pumpPair: moistureRule(true)},
			actuators: map[schedule.Pair][]unit.Actuator{
				pumpPair:  {{ID: "pump-1", DeviceType: schedule.DevicePump, PlantID: "plant-1"}},
				lightPair: {{ID: "light-1", DeviceType: schedule.DeviceLight}, {ID: "light-2", DeviceType: schedule.DeviceLight}},
			},
		},
		sensors:  &fakeSensors{readings: map[string]sensor.Reading{}},
		switcher: &fakeSwitch{},
		audit:    &recordingAudit{},
		stream:   &recordingStream{},
		repo:     setupTestRepo(t),
	}
	h.eval = h.newEvaluator(t)
	return h
}

func (h *harness) newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(Deps{
		Schedules: h.schedules,
		Inventory: h.inventory,
		Sensors:   h.sensors,
		Switch:    h.switcher,
		Repo:      h.repo,
		Audit:     h.audit,
		Stream:    h.stream,
		Config:    testConfig,
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	return e
}

// tick advances the clock one second and evaluates pair.
func (h *harness) tick(t *testing.T, pair schedule.Pair) *Trace {
	t.Helper()
	h.clock.Advance(time.Second)
	trace, err := h.eval.Tick(context.Background(), pair)
	require.NoError(t, err)
	return trace
}

func (h *harness) moisture(v float64) {
	h.sensors.put(sensor.Reading{
		SensorID:  "moist-1",
		Kind:      sensor.KindSoilMoisture,
		Value:     v,
		Timestamp: h.clock.Now().Add(-10 * time.Second),
	})
}

func drain(ch <-chan Candidate) []Candidate {
	var out []Candidate
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestEvaluator_ScheduleAndThresholdEmitCandidate(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(pumpPair, "sched-1")
	h.moisture(25)

	trace := h.tick(t, pumpPair)

	assert.True(t, trace.ScheduleVerdict)
	assert.True(t, trace.ThresholdVerdict)
	assert.True(t, trace.FinalVerdict)
	assert.Nil(t, trace.OverrideVerdict)
	assert.Equal(t, "sched-1", trace.WinningScheduleID)
	assert.Equal(t, []string{ReasonScheduleActive, ReasonThresholdTriggered, ReasonVerdictOn}, trace.ReasonCodes)
	assert.NotZero(t, trace.Seq)

	got := drain(h.eval.Candidates())
	require.Len(t, got, 1)
	assert.Equal(t, Candidate{
		UnitID:      "unit_a",
		DeviceType:  schedule.DevicePump,
		ScheduleID:  "sched-1",
		EvaluatedAt: trace.EvaluatedAt,
		TraceSeq:    trace.Seq,
	}, got[0])

	assert.Empty(t, h.switcher.snapshot(), "pumps are never switched directly")
	assert.Equal(t, []string{"unit_a/pump"}, h.stream.keys)
}

func TestEvaluator_CandidateOnlyOnTransition(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(pumpPair, "sched-1")
	h.moisture(25)

	h.tick(t, pumpPair)
	second := h.tick(t, pumpPair)
	assert.True(t, second.FinalVerdict)
	assert.False(t, second.HasReason(ReasonVerdictOn))
	assert.Len(t, drain(h.eval.Candidates()), 1, "a sustained true verdict emits once")

	h.moisture(45)
	off := h.tick(t, pumpPair)
	assert.False(t, off.FinalVerdict)
	assert.True(t, off.HasReason(ReasonThresholdNotTriggered))
	assert.True(t, off.HasReason(ReasonVerdictOff))

	h.moisture(20)
	h.tick(t, pumpPair)
	assert.Len(t, drain(h.eval.Candidates()), 1, "a new false-to-true transition emits again")
}

func TestEvaluator_ThresholdIsStrict(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(pumpPair, "sched-1")
	h.moisture(30)

	trace := h.tick(t, pumpPair)
	assert.False(t, trace.ThresholdVerdict, "the trigger value itself does not trigger")
	assert.Empty(t, drain(h.eval.Candidates()))
}

func TestEvaluator_NoScheduleNoCandidate(t *testing.T) {
	h := newHarness(t)
	h.moisture(10)

	trace := h.tick(t, pumpPair)
	assert.False(t, trace.ScheduleVerdict)
	assert.True(t, trace.ThresholdVerdict)
	assert.False(t, trace.FinalVerdict)
	assert.Equal(t, []string{ReasonNoActiveSchedule, ReasonThresholdTriggered}, trace.ReasonCodes)
	assert.Empty(t, drain(h.eval.Candidates()))
}

func TestEvaluator_FailPolicy(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
		want     bool
		code     string
	}{
		{"fail open", true, true, ReasonFailOpen},
		{"fail closed", false, false, ReasonFailClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.inventory.rules[pumpPair] = moistureRule(tt.failOpen)
			h.schedules.set(pumpPair, "sched-1")

			trace := h.tick(t, pumpPair)
			assert.Equal(t, tt.want, trace.ThresholdVerdict)
			assert.Equal(t, tt.want, trace.FinalVerdict)
			assert.True(t, trace.HasReason(ReasonSensorUnavailable))
			assert.True(t, trace.HasReason(tt.code))
		})
	}
}

func TestEvaluator_StaleReading(t *testing.T) {
	h := newHarness(t)
	h.inventory.rules[pumpPair] = moistureRule(false)
	h.schedules.set(pumpPair, "sched-1")
	h.sensors.put(sensor.Reading{
		SensorID:  "moist-1",
		Kind:      sensor.KindSoilMoisture,
		Value:     10,
		Timestamp: h.clock.Now().Add(-time.Hour),
	})

	trace := h.tick(t, pumpPair)
	assert.False(t, trace.ThresholdVerdict, "a stale reading is not used even when it would trigger")
	assert.Equal(t, []string{ReasonScheduleActive, ReasonSensorStale, ReasonFailClosed}, trace.ReasonCodes)
}

func TestEvaluator_KindMismatch(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(pumpPair, "sched-1")
	h.sensors.put(sensor.Reading{
		SensorID: "moist-1", Kind: sensor.KindTemperature, Value: 21, Timestamp: h.clock.Now(),
	})

	trace := h.tick(t, pumpPair)
	assert.True(t, trace.HasReason(ReasonSensorKindMismatch))
	assert.True(t, trace.HasReason(ReasonFailOpen))
}

func TestEvaluator_SensorTimeout(t *testing.T) {
	h := newHarness(t)
	h.inventory.rules[pumpPair] = moistureRule(false)
	h.schedules.set(pumpPair, "sched-1")
	h.sensors.hang = true

	trace := h.tick(t, pumpPair)
	assert.False(t, trace.FinalVerdict)
	assert.Equal(t, []string{ReasonScheduleActive, ReasonSensorTimeout, ReasonFailClosed}, trace.ReasonCodes)
}

func TestEvaluator_OverrideTakesPrecedence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedules.set(pumpPair, "sched-1")
	h.moisture(10)

	require.NoError(t, h.eval.SetOverride(ctx, &Override{
		UnitID: "unit_a", DeviceType: schedule.DevicePump, State: false, Reason: "root rot", SetBy: "grower",
	}))

	trace := h.tick(t, pumpPair)
	require.NotNil(t, trace.OverrideVerdict)
	assert.False(t, *trace.OverrideVerdict)
	assert.True(t, trace.ScheduleVerdict)
	assert.True(t, trace.ThresholdVerdict)
	assert.False(t, trace.FinalVerdict)
	assert.True(t, trace.HasReason(ReasonOverrideOff))
	assert.Empty(t, drain(h.eval.Candidates()))

	h.schedules.set(pumpPair, "")
	require.NoError(t, h.eval.SetOverride(ctx, &Override{
		UnitID: "unit_a", DeviceType: schedule.DevicePump, State: true, SetBy: "grower",
	}))
	trace = h.tick(t, pumpPair)
	assert.True(t, trace.FinalVerdict, "an on override wins without a schedule")
	assert.True(t, trace.HasReason(ReasonOverrideOn))
	assert.Len(t, drain(h.eval.Candidates()), 1)

	assert.Equal(t, []string{"override_set", "override_set"}, h.audit.actions())
}

func TestEvaluator_OverrideExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedules.set(lightPair, "lights")

	expires := h.clock.Now().Add(time.Minute)
	require.NoError(t, h.eval.SetOverride(ctx, &Override{
		UnitID: "unit_a", DeviceType: schedule.DeviceLight, State: false, ExpiresAt: &expires,
	}))

	trace := h.tick(t, lightPair)
	assert.False(t, trace.FinalVerdict)

	h.clock.Advance(2 * time.Minute)
	trace = h.tick(t, lightPair)
	assert.Nil(t, trace.OverrideVerdict)
	assert.True(t, trace.FinalVerdict)
	assert.True(t, trace.HasReason(ReasonOverrideExpired))

	_, err := h.repo.GetOverride(ctx, lightPair)
	assert.ErrorIs(t, err, ErrNoOverride, "expired override is removed")
	assert.Equal(t, []string{"override_set", "override_expired"}, h.audit.actions())

	trace = h.tick(t, lightPair)
	assert.False(t, trace.HasReason(ReasonOverrideExpired), "expiry is reported once")
}

func TestEvaluator_OverrideValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	past := h.clock.Now().Add(-time.Second)
	err := h.eval.SetOverride(ctx, &Override{UnitID: "unit_a", DeviceType: schedule.DevicePump, ExpiresAt: &past})
	assert.ErrorIs(t, err, ErrInvalidOverride)

	err = h.eval.SetOverride(ctx, &Override{UnitID: "unit_a", DeviceType: "sprinkler"})
	assert.ErrorIs(t, err, ErrInvalidOverride)

	err = h.eval.SetOverride(ctx, &Override{DeviceType: schedule.DevicePump})
	assert.ErrorIs(t, err, ErrInvalidOverride)

	assert.ErrorIs(t, h.eval.ClearOverride(ctx, "unit_a", schedule.DevicePump, "grower"), ErrNoOverride)
}

func TestEvaluator_ListOverridesHidesExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	soon := h.clock.Now().Add(time.Minute)
	require.NoError(t, h.eval.SetOverride(ctx, &Override{UnitID: "unit_a", DeviceType: schedule.DeviceLight, ExpiresAt: &soon}))
	require.NoError(t, h.eval.SetOverride(ctx, &Override{UnitID: "unit_a", DeviceType: schedule.DevicePump, State: true}))

	all, err := h.eval.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	h.clock.Advance(2 * time.Minute)
	all, err = h.eval.ListOverrides(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, schedule.DevicePump, all[0].DeviceType)

	_, err = h.eval.GetOverride(ctx, "unit_a", schedule.DeviceLight)
	assert.ErrorIs(t, err, ErrNoOverride)

	require.NoError(t, h.eval.ClearOverride(ctx, "unit_a", schedule.DevicePump, "grower"))
	assert.Contains(t, h.audit.actions(), "override_cleared")
}

func TestEvaluator_ContinuityAcrossRestart(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(pumpPair, "sched-1")
	h.moisture(25)

	h.tick(t, pumpPair)
	require.Len(t, drain(h.eval.Candidates()), 1)

	h.eval = h.newEvaluator(t)
	trace := h.tick(t, pumpPair)
	assert.True(t, trace.FinalVerdict)
	assert.False(t, trace.HasReason(ReasonVerdictOn), "previous verdict comes from the stored trace")
	assert.Empty(t, drain(h.eval.Candidates()), "no duplicate candidate after restart")
}

func TestEvaluator_TraceTimesStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.tick(t, lightPair)
	second, err := h.eval.Tick(ctx, lightPair)
	require.NoError(t, err, "a clock that did not advance still gets a trace")
	assert.True(t, first.EvaluatedAt.Add(time.Microsecond).Equal(second.EvaluatedAt))
	assert.True(t, second.HasReason(ReasonClockAdjusted))
	assert.False(t, first.HasReason(ReasonClockAdjusted))

	pump, err := h.eval.Tick(ctx, pumpPair)
	require.NoError(t, err)
	assert.True(t, h.clock.Now().Equal(pump.EvaluatedAt), "pairs are independent")
	assert.False(t, pump.HasReason(ReasonClockAdjusted))
	assert.Zero(t, h.eval.Stats().Failed)
}

func TestEvaluator_ClockStepBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.schedules.set(lightPair, "lights")

	first := h.tick(t, lightPair) // 07:00:01
	h.clock.Advance(-2 * time.Minute)

	for i := 1; i <= 3; i++ {
		trace := h.tick(t, lightPair)
		assert.True(t, first.EvaluatedAt.Add(time.Duration(i)*time.Microsecond).Equal(trace.EvaluatedAt))
		assert.True(t, trace.HasReason(ReasonClockAdjusted))
		assert.True(t, trace.FinalVerdict, "the verdict is still evaluated")
	}

	// The last trace time survives a restart.
	h.eval = h.newEvaluator(t)
	trace := h.tick(t, lightPair)
	assert.True(t, first.EvaluatedAt.Add(4*time.Microsecond).Equal(trace.EvaluatedAt))
	assert.True(t, trace.HasReason(ReasonClockAdjusted))

	h.clock.Advance(3 * time.Minute)
	trace = h.tick(t, lightPair)
	assert.True(t, h.clock.Now().Equal(trace.EvaluatedAt))
	assert.False(t, trace.HasReason(ReasonClockAdjusted))

	traces, err := h.repo.ListTraces(ctx, lightPair, 10)
	require.NoError(t, err)
	assert.Len(t, traces, 6)
	assert.Zero(t, h.eval.Stats().Failed)
}

func TestEvaluator_SkipsOverlappingTick(t *testing.T) {
	h := newHarness(t)
	h.sensors.entered = make(chan struct{})
	h.sensors.release = make(chan struct{})
	h.clock.Advance(time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := h.eval.Tick(context.Background(), pumpPair)
		done <- err
	}()
	<-h.sensors.entered

	_, err := h.eval.Tick(context.Background(), pumpPair)
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(h.sensors.release)
	require.NoError(t, <-done)

	stats := h.eval.Stats()
	assert.Equal(t, uint64(1), stats.Ticks)
	assert.Equal(t, uint64(1), stats.Skipped)
}

func TestEvaluator_ForwardsNonIrrigationVerdicts(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(lightPair, "lights")

	h.tick(t, lightPair)
	assert.Equal(t, []switchCall{{"light-1", true}, {"light-2", true}}, h.switcher.snapshot())

	h.tick(t, lightPair)
	assert.Len(t, h.switcher.snapshot(), 2, "unchanged verdict is not re-sent")

	h.schedules.set(lightPair, "")
	h.switcher.fail = true
	h.tick(t, lightPair)
	assert.Len(t, h.switcher.snapshot(), 4)

	h.switcher.fail = false
	h.tick(t, lightPair)
	calls := h.switcher.snapshot()
	assert.Len(t, calls, 6, "failed switch is retried on the next tick")
	assert.Equal(t, switchCall{"light-2", false}, calls[5])
	assert.Empty(t, drain(h.eval.Candidates()))
}

func TestEvaluator_PairsAndEvaluateNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pairs, err := h.eval.Pairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []schedule.Pair{lightPair, pumpPair}, pairs)

	_, err = h.eval.EvaluateNow(ctx, "unit_b", schedule.DevicePump)
	assert.ErrorIs(t, err, ErrUnknownPair)

	h.clock.Advance(time.Second)
	trace, err := h.eval.EvaluateNow(ctx, "unit_a", schedule.DevicePump)
	require.NoError(t, err)
	assert.Equal(t, pumpPair, trace.Pair())

	traces, err := h.eval.ListTraces(ctx, "unit_a", schedule.DevicePump, 10)
	require.NoError(t, err)
	assert.Len(t, traces, 1)
}

func TestEvaluator_OverrideOnUntrackedPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	fanPair := schedule.Pair{UnitID: "unit_b", DeviceType: schedule.DeviceFan}
	h.inventory.actuators[fanPair] = []unit.Actuator{{ID: "fan-1", DeviceType: schedule.DeviceFan}}

	_, err := h.eval.EvaluateNow(ctx, "unit_b", schedule.DeviceFan)
	require.ErrorIs(t, err, ErrUnknownPair)

	require.NoError(t, h.eval.SetOverride(ctx, &Override{
		UnitID: "unit_b", DeviceType: schedule.DeviceFan, State: true, SetBy: "grower",
	}))
	h.clock.Advance(time.Second)
	trace, err := h.eval.EvaluateNow(ctx, "unit_b", schedule.DeviceFan)
	require.NoError(t, err, "an override makes the pair tracked")
	assert.True(t, trace.FinalVerdict)
	assert.Equal(t, []switchCall{{"fan-1", true}}, h.switcher.snapshot())

	// Clearing the override turns the fan off before the pair is dropped.
	require.NoError(t, h.eval.ClearOverride(ctx, "unit_b", schedule.DeviceFan, "grower"))
	pairs, err := h.eval.Pairs(ctx)
	require.NoError(t, err)
	assert.Contains(t, pairs, fanPair)

	trace = h.tick(t, fanPair)
	assert.False(t, trace.FinalVerdict)
	assert.Equal(t, switchCall{"fan-1", false}, h.switcher.snapshot()[1])

	pairs, err = h.eval.Pairs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, pairs, fanPair)
}

func TestEvaluator_DisabledScheduleSwitchesOff(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}
	db := openTestDB(t)

	schedules, err := schedule.NewManager(schedule.Deps{
		Repo:  schedule.NewSQLiteRepository(db.DB),
		Clock: clock.Now,
	})
	require.NoError(t, err)

	lights := &schedule.Schedule{
		UnitID:     "unit_a",
		DeviceType: schedule.DeviceLight,
		Name:       "Veg lights",
		StartTime:  schedule.Clock(6, 0),
		EndTime:    schedule.Clock(22, 0),
		Priority:   5,
		Enabled:    true,
	}
	require.NoError(t, schedules.Create(ctx, lights))

	switcher := &fakeSwitch{}
	newEvaluator := func() *Evaluator {
		e, err := NewEvaluator(Deps{
			Schedules: schedules,
			Inventory: &fakeInventory{actuators: map[schedule.Pair][]unit.Actuator{
				lightPair: {{ID: "light-1", DeviceType: schedule.DeviceLight}},
			}},
			Sensors: &fakeSensors{readings: map[string]sensor.Reading{}},
			Switch:  switcher,
			Repo:    NewSQLiteRepository(db.DB),
			Config:  testConfig,
			Clock:   clock.Now,
		})
		require.NoError(t, err)
		return e
	}
	eval := newEvaluator()

	tick := func() *Trace {
		t.Helper()
		clock.Advance(time.Second)
		trace, err := eval.Tick(ctx, lightPair)
		require.NoError(t, err)
		return trace
	}

	pairs := func() []schedule.Pair {
		t.Helper()
		p, err := eval.Pairs(ctx)
		require.NoError(t, err)
		return p
	}

	require.True(t, tick().FinalVerdict)
	assert.Equal(t, []switchCall{{"light-1", true}}, switcher.snapshot())

	lights.Enabled = false
	require.NoError(t, schedules.Update(ctx, lights))
	assert.Empty(t, schedules.Pairs())
	assert.Equal(t, []schedule.Pair{lightPair}, pairs(), "a pair left on keeps ticking")

	// The off switch fails once; the pair stays tracked until it lands.
	switcher.mu.Lock()
	switcher.fail = true
	switcher.mu.Unlock()
	assert.False(t, tick().FinalVerdict)
	assert.Equal(t, []schedule.Pair{lightPair}, pairs())

	switcher.mu.Lock()
	switcher.fail = false
	switcher.mu.Unlock()
	tick()
	calls := switcher.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, switchCall{"light-1", false}, calls[2])
	assert.Empty(t, pairs(), "dropped once off is confirmed")

	// A restart with the light on and its schedule deleted still turns it off.
	lights.Enabled = true
	require.NoError(t, schedules.Update(ctx, lights))
	require.True(t, tick().FinalVerdict)
	require.NoError(t, schedules.Delete(ctx, lights.ID))

	eval = newEvaluator()
	assert.Equal(t, []schedule.Pair{lightPair}, pairs())
	assert.False(t, tick().FinalVerdict)
	assert.Equal(t, switchCall{"light-1", false}, switcher.snapshot()[len(switcher.snapshot())-1])
	assert.Empty(t, pairs())
}

func TestEvaluator_Run(t *testing.T) {
	h := newHarness(t)
	h.schedules.set(pumpPair, "sched-1")
	h.moisture(25)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eval.Run(ctx) }()

	select {
	case c := <-h.eval.Candidates():
		assert.Equal(t, "sched-1", c.ScheduleID)
	case <-time.After(5 * time.Second):
		t.Fatal("no candidate from the run loop")
	}

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, h.eval.Stats().Ticks, uint64(2), "both pairs ticked")
}

func TestNewEvaluator_RequiresCollaborators(t *testing.T) {
	_, err := NewEvaluator(Deps{})
	assert.Error(t, err)
}
