package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/grow-logic-core/internal/calibration"
)

type startCalibrationBody struct {
	DurationS float64 `json:"duration_s"`
}

type completeCalibrationBody struct {
	MeasuredML float64 `json:"measured_ml"`
}

type calibrationFeedbackBody struct {
	Feedback calibration.Feedback `json:"feedback"`
	Step     float64              `json:"step,omitempty"`
}

// handleListCalibrations returns the calibration of every pump that has one.
func (s *Server) handleListCalibrations(w http.ResponseWriter, r *http.Request) {
	cals, err := s.calibration.ListCalibrations(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cals == nil {
		cals = []calibration.PumpCalibration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"calibrations": cals,
		"count":        len(cals),
	})
}

// handleGetCalibration returns one pump's calibration.
func (s *Server) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	cal, err := s.calibration.GetCalibration(r.Context(), chi.URLParam(r, "actuator_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

// handleStartCalibration runs the pump for a measured duration and opens a
// session awaiting the measured volume.
func (s *Server) handleStartCalibration(w http.ResponseWriter, r *http.Request) {
	var body startCalibrationBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	session, err := s.calibration.StartCalibration(r.Context(), chi.URLParam(r, "actuator_id"), body.DurationS)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// handleCompleteCalibration closes the open session with the measured volume.
func (s *Server) handleCompleteCalibration(w http.ResponseWriter, r *http.Request) {
	var body completeCalibrationBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	actuatorID := chi.URLParam(r, "actuator_id")
	rate, err := s.calibration.CompleteCalibration(r.Context(), actuatorID, body.MeasuredML)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.logger.Info("pump calibrated via API", "actuator_id", actuatorID, "flow_rate", rate, "user", userID(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"actuator_id": actuatorID,
		"flow_rate":   rate,
	})
}

// handleCancelCalibration abandons the open session.
func (s *Server) handleCancelCalibration(w http.ResponseWriter, r *http.Request) {
	if err := s.calibration.CancelCalibration(r.Context(), chi.URLParam(r, "actuator_id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCalibrationFeedback adjusts the pump's dose factor directly.
func (s *Server) handleCalibrationFeedback(w http.ResponseWriter, r *http.Request) {
	var body calibrationFeedbackBody
	if err := decodeJSON(r, &body); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	cal, err := s.calibration.AdjustFromFeedback(r.Context(), chi.URLParam(r, "actuator_id"), body.Feedback, body.Step)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}
