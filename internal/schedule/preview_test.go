package schedule

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreview_ScenarioA(t *testing.T) {
	schedules := []Schedule{
		window("sch-a", Clock(6, 0), Clock(22, 0), 5),
		window("sch-b", Clock(20, 0), Clock(23, 0), 10),
	}

	events := slices.Collect(Preview(schedules, monday, 24*time.Hour, time.UTC))

	want := []Event{
		{Timestamp: at(monday, 6, 0), ScheduleID: "sch-a", Transition: TransitionOn},
		{Timestamp: at(monday, 22, 0), ScheduleID: "sch-a", Transition: TransitionOff},
		{Timestamp: at(monday, 22, 0), ScheduleID: "sch-b", Transition: TransitionOn},
		{Timestamp: at(monday, 23, 0), ScheduleID: "sch-b", Transition: TransitionOff},
	}
	require.Len(t, events, len(want))
	for i, w := range want {
		assert.True(t, w.Timestamp.Equal(events[i].Timestamp), "event %d at %v, want %v", i, events[i].Timestamp, w.Timestamp)
		assert.Equal(t, w.ScheduleID, events[i].ScheduleID, "event %d", i)
		assert.Equal(t, w.Transition, events[i].Transition, "event %d", i)
		assert.Equal(t, "unit-1", events[i].UnitID)
		assert.Equal(t, DeviceLight, events[i].DeviceType)
	}
}

func TestPreview_ExcludesStartInstant(t *testing.T) {
	schedules := []Schedule{window("sch-a", Clock(6, 0), Clock(22, 0), 5)}

	events := slices.Collect(Preview(schedules, at(monday, 6, 0), 24*time.Hour, time.UTC))

	require.Len(t, events, 2)
	assert.Equal(t, TransitionOff, events[0].Transition)
	assert.True(t, events[0].Timestamp.Equal(at(monday, 22, 0)))
	assert.Equal(t, TransitionOn, events[1].Transition)
	assert.True(t, events[1].Timestamp.Equal(at(monday.AddDate(0, 0, 1), 6, 0)))
}

func TestPreview_Restartable(t *testing.T) {
	schedules := []Schedule{
		window("sch-a", Clock(6, 0), Clock(22, 0), 5),
		window("sch-night", Clock(22, 0), Clock(6, 0), 5),
	}
	seq := Preview(schedules, monday, 72*time.Hour, time.UTC)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)

	// Stopping early must not break later iterations.
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Len(t, slices.Collect(seq), len(first))
}

func TestPreview_SnapshotsSchedules(t *testing.T) {
	schedules := []Schedule{window("sch-a", Clock(6, 0), Clock(22, 0), 5)}
	seq := Preview(schedules, monday, 24*time.Hour, time.UTC)

	schedules[0].Enabled = false

	assert.Len(t, slices.Collect(seq), 2)
}

// replay applies events in order and checks that after each instant the
// replayed state equals live resolution at every minute of the horizon.
func TestPreview_MatchesResolveEveryMinute(t *testing.T) {
	weekdayNights := window("sch-nights", Clock(21, 0), Clock(7, 30), 3)
	weekdayNights.DaysOfWeek = []int{1, 2, 3, 4, 5}
	sunday := window("sch-sunday", Clock(10, 0), Clock(16, 0), 1)
	sunday.DaysOfWeek = []int{0}
	fan := window("sch-fan", Clock(12, 0), Clock(12, 0), 8)
	fan.DeviceType = DeviceFan
	fanBoost := window("sch-fan-boost", Clock(13, 15), Clock(14, 45), 2)
	fanBoost.DeviceType = DeviceFan

	schedules := []Schedule{
		window("sch-day", Clock(6, 0), Clock(22, 0), 5),
		weekdayNights, sunday, fan, fanBoost,
	}
	lights := []Schedule{schedules[0], schedules[1], schedules[2]}
	fans := []Schedule{schedules[3], schedules[4]}

	from := at(monday, 13, 17)
	horizon := 8 * 24 * time.Hour
	events := slices.Collect(Preview(schedules, from, horizon, time.UTC))
	require.NotEmpty(t, events)

	state := map[DeviceType]string{}
	if w := Resolve(lights, from); w != nil {
		state[DeviceLight] = w.ID
	}
	if w := Resolve(fans, from); w != nil {
		state[DeviceFan] = w.ID
	}

	next := 0
	for m := from.Add(time.Minute).Truncate(time.Minute); !m.After(from.Add(horizon)); m = m.Add(time.Minute) {
		for next < len(events) && !events[next].Timestamp.After(m) {
			e := events[next]
			if e.Transition == TransitionOff {
				require.Equal(t, state[e.DeviceType], e.ScheduleID, "OFF for inactive schedule at %v", e.Timestamp)
				delete(state, e.DeviceType)
			} else {
				require.Empty(t, state[e.DeviceType], "ON while %s active at %v", state[e.DeviceType], e.Timestamp)
				state[e.DeviceType] = e.ScheduleID
			}
			next++
		}

		for dt, group := range map[DeviceType][]Schedule{DeviceLight: lights, DeviceFan: fans} {
			want := ""
			if w := Resolve(group, m); w != nil {
				want = w.ID
			}
			require.Equal(t, want, state[dt], "%s at %v", dt, m)
		}
	}
	assert.Equal(t, len(events), next, "events beyond the horizon")
}

func TestPreview_SiteTimeZone(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	schedules := []Schedule{window("sch-a", Clock(6, 0), Clock(22, 0), 5)}
	// 2026-10-25 is the autumn clock change in London.
	from := time.Date(2026, 10, 24, 12, 0, 0, 0, loc)

	events := slices.Collect(Preview(schedules, from, 48*time.Hour, loc))
	require.Len(t, events, 4)

	for _, e := range events {
		assert.Equal(t, loc, e.Timestamp.Location())
		got := Resolve(schedules, e.Timestamp)
		if e.Transition == TransitionOn {
			require.NotNil(t, got)
			assert.Equal(t, e.ScheduleID, got.ID)
		} else {
			assert.Nil(t, got)
		}
	}
	assert.Equal(t, 22, events[0].Timestamp.Hour())
	assert.Equal(t, 6, events[1].Timestamp.Hour())
	assert.Equal(t, 25, events[1].Timestamp.Day())
}
