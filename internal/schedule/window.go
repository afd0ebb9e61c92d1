package schedule

import (
	"slices"
	"time"
)

// windowMinutes returns the length of one occurrence of the window.
func (s *Schedule) windowMinutes() int {
	if !s.Wraparound {
		return int(s.EndTime - s.StartTime)
	}
	return minutesPerDay - int(s.StartTime) + int(s.EndTime)
}

// startsOn reports whether a window may start on weekday d.
func (s *Schedule) startsOn(d time.Weekday) bool {
	return len(s.DaysOfWeek) == 0 || slices.Contains(s.DaysOfWeek, int(d))
}

// ActiveAt reports whether s is enabled and its window covers at.
// at must already be in the site time zone; matching is on wall-clock minute.
func (s *Schedule) ActiveAt(at time.Time) bool {
	if !s.Enabled {
		return false
	}
	m := ClockTime(at.Hour()*60 + at.Minute())
	day := at.Weekday()

	if !s.Wraparound {
		return s.startsOn(day) && m >= s.StartTime && m < s.EndTime
	}
	// Overnight windows belong to the day they start on.
	if s.startsOn(day) && m >= s.StartTime {
		return true
	}
	prev := (day + 6) % 7
	return s.startsOn(prev) && m < s.EndTime
}

// Outranks reports whether a wins over b: lower priority number, then
// earlier creation, then lower ID.
func Outranks(a, b *Schedule) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Resolve returns the winning schedule among candidates active at at, or
// nil when none is active. Candidates are expected to share one
// (unit, device type); Resolve does not filter on either.
func Resolve(candidates []Schedule, at time.Time) *Schedule {
	var winner *Schedule
	for i := range candidates {
		s := &candidates[i]
		if !s.ActiveAt(at) {
			continue
		}
		if winner == nil || Outranks(s, winner) {
			winner = s
		}
	}
	return winner.DeepCopy()
}

// sortByRank orders schedules winner-first.
func sortByRank(schedules []Schedule) {
	slices.SortFunc(schedules, func(a, b Schedule) int {
		switch {
		case Outranks(&a, &b):
			return -1
		case Outranks(&b, &a):
			return 1
		default:
			return 0
		}
	})
}
