// Package schedule manages recurring device schedules for growing units.
//
// A schedule is a daily time window on selected days of the week during which
// one device type in one unit is intended to run. Overlapping schedules for
// the same (unit, device type) are allowed; at any instant exactly one of
// them is active, chosen by lowest priority number, then earliest creation
// time, then lowest schedule ID.
//
// Three pure functions carry the window semantics and are shared by live
// evaluation and preview so the two cannot disagree:
//
//   - Resolve picks the active schedule at an instant
//   - DetectConflicts reports overlapping pairs on a weekly timeline
//   - Preview yields ON/OFF transitions over a horizon
//
// Manager wraps a Repository with a read-through cache and the site time zone.
package schedule
