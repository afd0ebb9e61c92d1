package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/grow-logic-core/internal/calibration"
	"github.com/nerrad567/grow-logic-core/internal/irrigation"
)

type createRequestBody struct {
	ActuatorID string `json:"actuator_id"`
}

type delayRequestBody struct {
	Minutes int `json:"minutes"`
}

type cancelRequestBody struct {
	Reason string `json:"reason"`
}

type feedbackRequestBody struct {
	Feedback calibration.Feedback `json:"feedback"`
}

// handleListRequests returns irrigation requests, newest first.
//
// Query parameters:
//   - status: repeatable, limits to the given states
//   - plant_id, actuator_id: exact match filters
//   - limit: max results (default 100)
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := irrigation.Filter{
		PlantID:    q.Get("plant_id"),
		ActuatorID: q.Get("actuator_id"),
	}
	for _, v := range q["status"] {
		st := irrigation.Status(v)
		if !st.Valid() {
			writeBadRequest(w, "unknown status: "+v)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	requests, err := s.irrigation.ListRequests(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if requests == nil {
		requests = []irrigation.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

// handleGetRequest returns a single irrigation request.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.irrigation.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleCreateRequest opens a manual request for a pump.
func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if body.ActuatorID == "" {
		writeBadRequest(w, "actuator_id is required")
		return
	}

	req, err := s.irrigation.CreateRequest(r.Context(), body.ActuatorID, userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleApproveRequest approves a pending request and runs the pump.
// The response is the request after execution.
func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.irrigation.Approve(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleDelayRequest postpones a pending request.
func (s *Server) handleDelayRequest(w http.ResponseWriter, r *http.Request) {
	var body delayRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	req, err := s.irrigation.Delay(r.Context(), chi.URLParam(r, "id"), body.Minutes, userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleCancelRequest cancels an open request. The body is optional.
func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelRequestBody
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}

	req, err := s.irrigation.Cancel(r.Context(), chi.URLParam(r, "id"), userID(r), body.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleRequestFeedback records the operator's judgement of an executed dose.
func (s *Server) handleRequestFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	req, err := s.irrigation.SubmitFeedback(r.Context(), chi.URLParam(r, "id"), body.Feedback, userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
