package api

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// defaultPreviewHours is the preview horizon when horizon_hours is omitted.
const defaultPreviewHours = 24

// unitQuery reads the unit_id and optional device_type query parameters.
// It writes a 400 and returns false when either is invalid.
func unitQuery(w http.ResponseWriter, r *http.Request) (string, schedule.DeviceType, bool) {
	q := r.URL.Query()
	unitID := q.Get("unit_id")
	if unitID == "" {
		writeBadRequest(w, "unit_id query parameter is required")
		return "", "", false
	}
	dt := schedule.DeviceType(q.Get("device_type"))
	if dt != "" && !dt.Valid() {
		writeBadRequest(w, "unknown device_type: "+string(dt))
		return "", "", false
	}
	return unitID, dt, true
}

// handleListSchedules returns the schedules of one unit.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	unitID, dt, ok := unitQuery(w, r)
	if !ok {
		return
	}

	schedules := s.schedules.List(unitID, dt)
	if schedules == nil {
		schedules = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

// handleResolveActive returns the schedule in effect for a unit and device
// type, at the given RFC 3339 instant or now.
func (s *Server) handleResolveActive(w http.ResponseWriter, r *http.Request) {
	unitID, dt, ok := unitQuery(w, r)
	if !ok {
		return
	}
	if dt == "" {
		writeBadRequest(w, "device_type query parameter is required")
		return
	}

	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "at must be an RFC 3339 timestamp")
			return
		}
		at = parsed
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unit_id":     unitID,
		"device_type": dt,
		"at":          at.UTC().Format(time.RFC3339),
		"schedule":    s.schedules.ResolveActive(unitID, dt, at),
	})
}

// handleDetectConflicts reports overlapping schedules of a unit.
func (s *Server) handleDetectConflicts(w http.ResponseWriter, r *http.Request) {
	unitID, dt, ok := unitQuery(w, r)
	if !ok {
		return
	}

	groups := s.schedules.DetectConflicts(unitID, dt)
	if groups == nil {
		groups = []schedule.ConflictGroup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": groups,
		"count":     len(groups),
	})
}

// handlePreviewEvents lists upcoming ON/OFF transitions of a unit.
func (s *Server) handlePreviewEvents(w http.ResponseWriter, r *http.Request) {
	unitID, dt, ok := unitQuery(w, r)
	if !ok {
		return
	}

	horizon := defaultPreviewHours
	if v := r.URL.Query().Get("horizon_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "horizon_hours must be an integer")
			return
		}
		horizon = n
	}

	seq, err := s.schedules.PreviewEvents(unitID, horizon, dt)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	events := slices.Collect(seq)
	if events == nil {
		events = []schedule.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"horizon_hours": horizon,
		"count":         len(events),
	})
}

// handleCreateSchedule validates and stores a new schedule.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched schedule.Schedule
	if err := decodeJSON(r, &sched); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.schedules.Create(r.Context(), &sched); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.logger.Info("schedule created via API", "schedule_id", sched.ID, "user", userID(r))
	writeJSON(w, http.StatusCreated, sched)
}

// handleGetSchedule returns a single schedule.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedules.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// handleUpdateSchedule replaces a schedule. The ID comes from the path.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched schedule.Schedule
	if err := decodeJSON(r, &sched); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if sched.ID != "" && sched.ID != id {
		writeBadRequest(w, "schedule_id in body does not match path")
		return
	}
	sched.ID = id

	if err := s.schedules.Update(r.Context(), &sched); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// handleDeleteSchedule removes a schedule. One referenced by an open
// irrigation request is disabled and reported as a conflict.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.schedules.Delete(r.Context(), id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.logger.Info("schedule deleted via API", "schedule_id", id, "user", userID(r))
	w.WriteHeader(http.StatusNoContent)
}
