package schedule

import (
	"cmp"
	"slices"
	"time"
)

// minutesPerWeek is the length of the weekly timeline conflicts are computed on.
const minutesPerWeek = 7 * minutesPerDay

// span is a half-open range of minutes on the weekly timeline, Sunday 00:00 = 0.
type span struct {
	start, end int
}

// weeklySpans lays every occurrence of s onto the weekly timeline. An
// occurrence running past Saturday midnight is split and its tail placed at
// the start of the week.
func (s *Schedule) weeklySpans() []span {
	length := s.windowMinutes()
	var spans []span
	for d := 0; d < 7; d++ {
		if !s.startsOn(time.Weekday(d)) {
			continue
		}
		start := d*minutesPerDay + int(s.StartTime)
		end := start + length
		if end <= minutesPerWeek {
			spans = append(spans, span{start, end})
			continue
		}
		spans = append(spans, span{start, minutesPerWeek}, span{0, end - minutesPerWeek})
	}
	return spans
}

// Window is the part of an overlap that falls on one day.
type Window struct {
	// Day is the weekday the slice falls on, 0 = Sunday.
	Day   int       `json:"day_of_week"`
	Start ClockTime `json:"start"`
	// End is exclusive. 24:00 means the overlap runs to midnight.
	End ClockTime `json:"end"`
}

// Conflict is one pair of enabled schedules whose windows overlap.
type Conflict struct {
	ScheduleA string   `json:"schedule_a"`
	ScheduleB string   `json:"schedule_b"`
	Windows   []Window `json:"windows"`
	// WinnerID is the schedule resolveActive picks while only these two overlap.
	WinnerID string `json:"winner_id"`
}

// ConflictGroup collects the conflicts of one device type.
type ConflictGroup struct {
	UnitID     string     `json:"unit_id"`
	DeviceType DeviceType `json:"device_type"`
	Conflicts  []Conflict `json:"conflicts"`
}

// DetectConflicts reports every overlapping pair of enabled schedules that
// share a (unit, device type). Each pair appears once, with ScheduleA the
// lower ID. Groups are ordered by unit then device type. Nothing is mutated.
func DetectConflicts(schedules []Schedule) []ConflictGroup {
	byPair := make(map[Pair][]Schedule)
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		p := Pair{UnitID: s.UnitID, DeviceType: s.DeviceType}
		byPair[p] = append(byPair[p], s)
	}

	pairs := make([]Pair, 0, len(byPair))
	for p := range byPair {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b Pair) int {
		return cmp.Or(cmp.Compare(a.UnitID, b.UnitID), cmp.Compare(a.DeviceType, b.DeviceType))
	})

	var groups []ConflictGroup
	for _, p := range pairs {
		group := byPair[p]
		slices.SortFunc(group, func(a, b Schedule) int { return cmp.Compare(a.ID, b.ID) })

		var conflicts []Conflict
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := &group[i], &group[j]
				overlap := intersect(a.weeklySpans(), b.weeklySpans())
				if len(overlap) == 0 {
					continue
				}
				winner := b.ID
				if Outranks(a, b) {
					winner = a.ID
				}
				conflicts = append(conflicts, Conflict{
					ScheduleA: a.ID,
					ScheduleB: b.ID,
					Windows:   splitByDay(overlap),
					WinnerID:  winner,
				})
			}
		}
		if len(conflicts) > 0 {
			groups = append(groups, ConflictGroup{UnitID: p.UnitID, DeviceType: p.DeviceType, Conflicts: conflicts})
		}
	}
	return groups
}

// intersect returns the merged, sorted overlap of two span sets.
func intersect(a, b []span) []span {
	var out []span
	for _, x := range a {
		for _, y := range b {
			lo, hi := max(x.start, y.start), min(x.end, y.end)
			if lo < hi {
				out = append(out, span{lo, hi})
			}
		}
	}
	if len(out) == 0 {
		return nil
	}

	slices.SortFunc(out, func(p, q span) int { return cmp.Compare(p.start, q.start) })
	merged := out[:1]
	for _, s := range out[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			last.end = max(last.end, s.end)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// splitByDay cuts weekly spans at each midnight.
func splitByDay(spans []span) []Window {
	var windows []Window
	for _, s := range spans {
		for lo := s.start; lo < s.end; {
			day := lo / minutesPerDay
			dayStart := day * minutesPerDay
			hi := min(s.end, dayStart+minutesPerDay)
			windows = append(windows, Window{
				Day:   day,
				Start: ClockTime(lo - dayStart),
				End:   ClockTime(hi - dayStart),
			})
			lo = hi
		}
	}
	return windows
}
