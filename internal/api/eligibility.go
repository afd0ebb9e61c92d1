package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/grow-logic-core/internal/eligibility"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// defaultTraceLimit is the number of traces returned when limit is omitted.
const defaultTraceLimit = 50

// evaluateRequest is the request body for POST /eligibility/evaluate.
type evaluateRequest struct {
	UnitID     string              `json:"unit_id"`
	DeviceType schedule.DeviceType `json:"device_type"`
}

// handleListTraces returns the most recent eligibility traces of a unit.
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	unitID, dt, ok := unitQuery(w, r)
	if !ok {
		return
	}

	limit := defaultTraceLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	traces, err := s.eligibility.ListTraces(r.Context(), unitID, dt, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if traces == nil {
		traces = []eligibility.Trace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traces": traces,
		"count":  len(traces),
	})
}

// handleEvaluateNow runs one evaluation outside the periodic loop.
func (s *Server) handleEvaluateNow(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.UnitID == "" || !req.DeviceType.Valid() {
		writeBadRequest(w, "unit_id and a known device_type are required")
		return
	}

	trace, err := s.eligibility.EvaluateNow(r.Context(), req.UnitID, req.DeviceType)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// handleListOverrides returns every stored manual override.
func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.eligibility.ListOverrides(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []eligibility.Override{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": overrides,
		"count":     len(overrides),
	})
}

// handleSetOverride creates or replaces the override of a unit and device
// type. The caller is recorded as the author.
func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var o eligibility.Override
	if err := decodeJSON(r, &o); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	o.SetBy = userID(r)

	if err := s.eligibility.SetOverride(r.Context(), &o); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// handleClearOverride removes an override.
func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	unitID := chi.URLParam(r, "unit_id")
	dt := schedule.DeviceType(chi.URLParam(r, "device_type"))
	if !dt.Valid() {
		writeBadRequest(w, "unknown device_type: "+string(dt))
		return
	}

	if err := s.eligibility.ClearOverride(r.Context(), unitID, dt, userID(r)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
