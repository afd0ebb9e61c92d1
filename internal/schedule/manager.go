package schedule

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// maxPreviewHours bounds a preview horizon to four weeks.
const maxPreviewHours = 24 * 28

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// InUseChecker reports whether an open irrigation request references a schedule.
type InUseChecker interface {
	HasOpenRequestForSchedule(ctx context.Context, scheduleID string) (bool, error)
}

// Deps holds the Manager's collaborators. Repo is required.
type Deps struct {
	Repo     Repository
	Audit    audit.Appender
	InUse    InUseChecker
	Logger   Logger
	Location *time.Location
	Clock    func() time.Time
}

// Manager provides schedule management with caching and thread safety.
//
// The cache is populated by RefreshCache and kept in sync by the CRUD
// methods, which persist first and update the cache only on success.
// Reads (List, ResolveActive, Pairs) never touch the database.
type Manager struct {
	repo   Repository
	audit  audit.Appender
	inUse  InUseChecker
	logger Logger
	loc    *time.Location
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*Schedule
}

// NewManager creates a schedule manager.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Repo == nil {
		return nil, errors.New("schedule: repository is required")
	}
	m := &Manager{
		repo:   deps.Repo,
		audit:  deps.Audit,
		inUse:  deps.InUse,
		logger: deps.Logger,
		loc:    deps.Location,
		now:    deps.Clock,
		cache:  make(map[string]*Schedule),
	}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.logger == nil {
		m.logger = noopLogger{}
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Location returns the site time zone windows are evaluated in.
func (m *Manager) Location() *time.Location {
	return m.loc
}

// RefreshCache reloads all schedules from the repository.
func (m *Manager) RefreshCache(ctx context.Context) error {
	schedules, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*Schedule, len(schedules))
	for i := range schedules {
		m.cache[schedules[i].ID] = schedules[i].DeepCopy()
	}

	m.logger.Info("schedule cache refreshed", "count", len(schedules))
	return nil
}

// Create validates and stores a new schedule. ID, timestamps, and derived
// fields are filled in on s.
func (m *Manager) Create(ctx context.Context, s *Schedule) error {
	Normalize(s)
	if err := Validate(s); err != nil {
		return err
	}

	if s.ID == "" {
		s.ID = GenerateID()
	}
	// Stored timestamps have microsecond precision; truncate so the
	// created_at tie-break is identical before and after a restart.
	now := m.now().UTC().Truncate(time.Microsecond)
	s.CreatedAt = now
	s.UpdatedAt = now

	if err := m.repo.Create(ctx, s); err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}

	m.mu.Lock()
	m.cache[s.ID] = s.DeepCopy()
	m.mu.Unlock()

	m.record(ctx, "create", s)
	m.logger.Info("schedule created", "schedule_id", s.ID, "unit_id", s.UnitID, "device_type", s.DeviceType)
	return nil
}

// Update validates and replaces an existing schedule. CreatedAt is kept
// from the stored schedule so tie-breaks do not shift on edit.
func (m *Manager) Update(ctx context.Context, s *Schedule) error {
	existing, err := m.Get(s.ID)
	if err != nil {
		return err
	}

	Normalize(s)
	if err := Validate(s); err != nil {
		return err
	}

	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = m.now().UTC().Truncate(time.Microsecond)

	if err := m.repo.Update(ctx, s); err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}

	m.mu.Lock()
	m.cache[s.ID] = s.DeepCopy()
	m.mu.Unlock()

	m.record(ctx, "update", s)
	return nil
}

// Delete removes a schedule. A schedule still referenced by an open
// irrigation request is disabled instead and ErrInUse is returned.
func (m *Manager) Delete(ctx context.Context, id string) error {
	existing, err := m.Get(id)
	if err != nil {
		return err
	}

	if m.inUse != nil {
		used, err := m.inUse.HasOpenRequestForSchedule(ctx, id)
		if err != nil {
			return fmt.Errorf("checking schedule references: %w", err)
		}
		if used {
			if existing.Enabled {
				existing.Enabled = false
				if err := m.Update(ctx, existing); err != nil {
					return err
				}
			}
			m.logger.Warn("schedule in use, disabled instead of deleted", "schedule_id", id)
			return ErrInUse
		}
	}

	if err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}

	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()

	m.record(ctx, "delete", existing)
	return nil
}

// Get returns a copy of the schedule with the given ID.
func (m *Manager) Get(id string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.cache[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.DeepCopy(), nil
}

// List returns copies of the unit's schedules, optionally limited to one
// device type, ordered by device type then rank.
func (m *Manager) List(unitID string, deviceType DeviceType) []Schedule {
	m.mu.RLock()
	var out []Schedule
	for _, s := range m.cache {
		if s.UnitID != unitID {
			continue
		}
		if deviceType != "" && s.DeviceType != deviceType {
			continue
		}
		out = append(out, *s.DeepCopy())
	}
	m.mu.RUnlock()

	sortByRank(out)
	slices.SortStableFunc(out, func(a, b Schedule) int { return cmp.Compare(a.DeviceType, b.DeviceType) })
	return out
}

// ResolveActive returns the schedule active for (unitID, deviceType) at at,
// or nil. at is converted to the site zone first.
func (m *Manager) ResolveActive(unitID string, deviceType DeviceType, at time.Time) *Schedule {
	return Resolve(m.List(unitID, deviceType), at.In(m.loc))
}

// DetectConflicts reports overlapping enabled schedules of the unit.
func (m *Manager) DetectConflicts(unitID string, deviceType DeviceType) []ConflictGroup {
	return DetectConflicts(m.List(unitID, deviceType))
}

// PreviewEvents returns ON/OFF transitions for the unit over the next
// horizonHours, starting now. The schedules are snapshotted at call time.
func (m *Manager) PreviewEvents(unitID string, horizonHours int, deviceType DeviceType) (iter.Seq[Event], error) {
	return m.PreviewEventsFrom(unitID, m.now(), horizonHours, deviceType)
}

// PreviewEventsFrom is PreviewEvents with an explicit start.
func (m *Manager) PreviewEventsFrom(unitID string, from time.Time, horizonHours int, deviceType DeviceType) (iter.Seq[Event], error) {
	if horizonHours < 1 || horizonHours > maxPreviewHours {
		return nil, fmt.Errorf("%w: horizon_hours must be 1-%d", errkind.ErrValidation, maxPreviewHours)
	}
	return Preview(m.List(unitID, deviceType), from, time.Duration(horizonHours)*time.Hour, m.loc), nil
}

// Pairs returns every (unit, device type) with at least one enabled schedule.
func (m *Manager) Pairs() []Pair {
	m.mu.RLock()
	seen := make(map[Pair]struct{})
	for _, s := range m.cache {
		if s.Enabled {
			seen[Pair{UnitID: s.UnitID, DeviceType: s.DeviceType}] = struct{}{}
		}
	}
	m.mu.RUnlock()

	pairs := make([]Pair, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b Pair) int {
		return cmp.Or(cmp.Compare(a.UnitID, b.UnitID), cmp.Compare(a.DeviceType, b.DeviceType))
	})
	return pairs
}

func (m *Manager) record(ctx context.Context, action string, s *Schedule) {
	err := m.audit.Create(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: audit.EntitySchedule,
		EntityID:   s.ID,
		Source:     audit.SourceAPI,
		Details: map[string]any{
			"unit_id":     s.UnitID,
			"device_type": string(s.DeviceType),
			"window":      s.StartTime.String() + "-" + s.EndTime.String(),
			"priority":    s.Priority,
			"enabled":     s.Enabled,
		},
	})
	if err != nil {
		m.logger.Warn("failed to audit schedule change", "schedule_id", s.ID, "action", action, "error", err)
	}
}
