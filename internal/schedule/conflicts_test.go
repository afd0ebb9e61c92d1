package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectConflicts_ScenarioA(t *testing.T) {
	a := window("sch-a", Clock(6, 0), Clock(22, 0), 5)
	b := window("sch-b", Clock(20, 0), Clock(23, 0), 10)

	groups := DetectConflicts([]Schedule{b, a})
	require.Len(t, groups, 1)
	assert.Equal(t, "unit-1", groups[0].UnitID)
	assert.Equal(t, DeviceLight, groups[0].DeviceType)

	require.Len(t, groups[0].Conflicts, 1)
	c := groups[0].Conflicts[0]
	assert.Equal(t, "sch-a", c.ScheduleA)
	assert.Equal(t, "sch-b", c.ScheduleB)
	assert.Equal(t, "sch-a", c.WinnerID)

	require.Len(t, c.Windows, 7)
	for d, w := range c.Windows {
		assert.Equal(t, Window{Day: d, Start: Clock(20, 0), End: Clock(22, 0)}, w)
	}
}

func TestDetectConflicts_Wraparound(t *testing.T) {
	night := window("sch-night", Clock(22, 0), Clock(6, 0), 5)
	morning := window("sch-morning", Clock(5, 0), Clock(7, 0), 1)
	morning.DaysOfWeek = []int{1}

	groups := DetectConflicts([]Schedule{night, morning})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Conflicts, 1)

	c := groups[0].Conflicts[0]
	assert.Equal(t, "sch-morning", c.ScheduleA)
	assert.Equal(t, "sch-morning", c.WinnerID)
	assert.Equal(t, []Window{{Day: 1, Start: Clock(5, 0), End: Clock(6, 0)}}, c.Windows)
}

func TestDetectConflicts_WeekBoundary(t *testing.T) {
	// Saturday night into Sunday morning crosses the end of the week.
	sat := window("sch-sat", Clock(23, 0), Clock(2, 0), 5)
	sat.DaysOfWeek = []int{6}
	sun := window("sch-sun", Clock(0, 0), Clock(1, 0), 5)
	sun.DaysOfWeek = []int{0}

	groups := DetectConflicts([]Schedule{sat, sun})
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Conflicts, 1)
	assert.Equal(t, []Window{{Day: 0, Start: 0, End: Clock(1, 0)}}, groups[0].Conflicts[0].Windows)
}

func TestDetectConflicts_FullDayRendersMidnight(t *testing.T) {
	a := window("sch-a", Clock(0, 0), Clock(0, 0), 5)
	a.DaysOfWeek = []int{3}
	b := window("sch-b", Clock(12, 0), Clock(12, 0), 5)
	b.DaysOfWeek = []int{3}

	groups := DetectConflicts([]Schedule{a, b})
	require.Len(t, groups, 1)
	windows := groups[0].Conflicts[0].Windows
	require.Equal(t, []Window{{Day: 3, Start: Clock(12, 0), End: minutesPerDay}}, windows)
	assert.Equal(t, "24:00", windows[0].End.String())
}

func TestDetectConflicts_EachPairOnce(t *testing.T) {
	schedules := []Schedule{
		window("sch-3", Clock(8, 0), Clock(12, 0), 3),
		window("sch-1", Clock(9, 0), Clock(11, 0), 1),
		window("sch-2", Clock(10, 0), Clock(14, 0), 2),
		window("sch-4", Clock(15, 0), Clock(16, 0), 1),
	}

	groups := DetectConflicts(schedules)
	require.Len(t, groups, 1)

	seen := make(map[[2]string]int)
	for _, c := range groups[0].Conflicts {
		require.Less(t, c.ScheduleA, c.ScheduleB)
		seen[[2]string{c.ScheduleA, c.ScheduleB}]++
	}
	assert.Equal(t, map[[2]string]int{
		{"sch-1", "sch-2"}: 1,
		{"sch-1", "sch-3"}: 1,
		{"sch-2", "sch-3"}: 1,
	}, seen)
}

func TestDetectConflicts_InsideOverlapLowerPriorityWins(t *testing.T) {
	schedules := []Schedule{
		window("sch-a", Clock(6, 0), Clock(18, 0), 7),
		window("sch-b", Clock(12, 0), Clock(2, 0), 2),
	}
	schedules[0].DaysOfWeek = []int{1, 3}

	for _, c := range DetectConflicts(schedules)[0].Conflicts {
		for _, w := range c.Windows {
			instant := monday.AddDate(0, 0, w.Day-1).Add(time.Duration(w.Start) * time.Minute)
			got := Resolve(schedules, instant)
			require.NotNil(t, got)
			assert.Equal(t, c.WinnerID, got.ID)
			assert.Equal(t, "sch-b", got.ID)
		}
	}
}

func TestDetectConflicts_IgnoresDisabledAndOtherPairs(t *testing.T) {
	a := window("sch-a", Clock(6, 0), Clock(22, 0), 5)
	disabled := window("sch-b", Clock(6, 0), Clock(22, 0), 5)
	disabled.Enabled = false
	fan := window("sch-c", Clock(6, 0), Clock(22, 0), 5)
	fan.DeviceType = DeviceFan
	otherUnit := window("sch-d", Clock(6, 0), Clock(22, 0), 5)
	otherUnit.UnitID = "unit-2"
	apart := window("sch-e", Clock(22, 0), Clock(23, 0), 5)

	assert.Empty(t, DetectConflicts([]Schedule{a, disabled, fan, otherUnit, apart}))
}
