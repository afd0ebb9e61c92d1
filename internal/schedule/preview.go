package schedule

import (
	"cmp"
	"iter"
	"slices"
	"time"
)

// Transition is the direction of a preview event.
type Transition string

// Transitions.
const (
	TransitionOn  Transition = "ON"
	TransitionOff Transition = "OFF"
)

// Event is one change of the active schedule for a device type.
type Event struct {
	Timestamp  time.Time  `json:"timestamp"`
	UnitID     string     `json:"unit_id"`
	DeviceType DeviceType `json:"device_type"`
	ScheduleID string     `json:"schedule_id"`
	Transition Transition `json:"transition"`
}

// Preview returns the ON/OFF events in (from, from+horizon] for schedules,
// evaluated in loc. At every schedule boundary it re-runs Resolve, so each
// event matches what live evaluation decides at that instant. When the
// winner hands over at one instant, the OFF of the old winner precedes the
// ON of the new one.
//
// The sequence is lazy, finite, and restartable: each range over it
// recomputes from its own copy of schedules.
func Preview(schedules []Schedule, from time.Time, horizon time.Duration, loc *time.Location) iter.Seq[Event] {
	groups := make(map[Pair][]Schedule)
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		p := Pair{UnitID: s.UnitID, DeviceType: s.DeviceType}
		groups[p] = append(groups[p], *s.DeepCopy())
	}
	pairs := make([]Pair, 0, len(groups))
	for p := range groups {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b Pair) int {
		return cmp.Or(cmp.Compare(a.UnitID, b.UnitID), cmp.Compare(a.DeviceType, b.DeviceType))
	})

	return func(yield func(Event) bool) {
		from := from.In(loc)
		to := from.Add(horizon)

		active := make(map[Pair]string, len(pairs))
		for _, p := range pairs {
			if w := Resolve(groups[p], from); w != nil {
				active[p] = w.ID
			}
		}

		day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
		for !day.After(to) {
			for _, at := range boundariesOn(day, groups) {
				if !at.After(from) || at.After(to) {
					continue
				}
				for _, p := range pairs {
					winner := ""
					if w := Resolve(groups[p], at); w != nil {
						winner = w.ID
					}
					prev := active[p]
					if winner == prev {
						continue
					}
					if prev != "" && !yield(Event{Timestamp: at, UnitID: p.UnitID, DeviceType: p.DeviceType, ScheduleID: prev, Transition: TransitionOff}) {
						return
					}
					if winner != "" && !yield(Event{Timestamp: at, UnitID: p.UnitID, DeviceType: p.DeviceType, ScheduleID: winner, Transition: TransitionOn}) {
						return
					}
					active[p] = winner
				}
			}
			day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
		}
	}
}

// boundariesOn returns the sorted, distinct instants on the local day
// starting at midnight day where any window starts or ends. Overnight
// windows that started the previous day contribute their end.
func boundariesOn(day time.Time, groups map[Pair][]Schedule) []time.Time {
	weekday := day.Weekday()
	prev := (weekday + 6) % 7
	at := func(c ClockTime) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), int(c)/60, int(c)%60, 0, 0, day.Location())
	}

	var instants []time.Time
	for _, group := range groups {
		for i := range group {
			s := &group[i]
			if s.startsOn(weekday) {
				instants = append(instants, at(s.StartTime))
				if !s.Wraparound {
					instants = append(instants, at(s.EndTime))
				}
			}
			if s.Wraparound && s.startsOn(prev) {
				instants = append(instants, at(s.EndTime))
			}
		}
	}

	slices.SortFunc(instants, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(instants, func(a, b time.Time) bool { return a.Equal(b) })
}
