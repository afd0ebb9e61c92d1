package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/grow-logic-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", s.handleListSchedules)
				r.Get("/active", s.handleResolveActive)
				r.Get("/conflicts", s.handleDetectConflicts)
				r.Get("/preview", s.handlePreviewEvents)
				r.With(s.requirePermission(auth.PermScheduleManage)).Post("/", s.handleCreateSchedule)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSchedule)
					r.With(s.requirePermission(auth.PermScheduleManage)).Put("/", s.handleUpdateSchedule)
					r.With(s.requirePermission(auth.PermScheduleManage)).Delete("/", s.handleDeleteSchedule)
				})
			})

			r.Route("/eligibility", func(r chi.Router) {
				r.Get("/traces", s.handleListTraces)
				r.With(s.requirePermission(auth.PermOverrideManage)).Post("/evaluate", s.handleEvaluateNow)
			})

			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", s.handleListOverrides)
				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermOverrideManage))
					r.Put("/", s.handleSetOverride)
					r.Delete("/{unit_id}/{device_type}", s.handleClearOverride)
				})
			})

			r.Route("/irrigation/requests", func(r chi.Router) {
				r.Get("/", s.handleListRequests)
				r.Get("/{id}", s.handleGetRequest)
				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermIrrigationDecide))
					r.Post("/", s.handleCreateRequest)
					r.Post("/{id}/approve", s.handleApproveRequest)
					r.Post("/{id}/delay", s.handleDelayRequest)
					r.Post("/{id}/cancel", s.handleCancelRequest)
					r.Post("/{id}/feedback", s.handleRequestFeedback)
				})
			})

			r.Route("/calibrations", func(r chi.Router) {
				r.Get("/", s.handleListCalibrations)
				r.Get("/{actuator_id}", s.handleGetCalibration)
				r.Group(func(r chi.Router) {
					r.Use(s.requirePermission(auth.PermCalibrationManage))
					r.Post("/{actuator_id}/start", s.handleStartCalibration)
					r.Post("/{actuator_id}/complete", s.handleCompleteCalibration)
					r.Post("/{actuator_id}/cancel", s.handleCancelCalibration)
					r.Post("/{actuator_id}/feedback", s.handleCalibrationFeedback)
				})
			})

			r.With(s.requirePermission(auth.PermSystemAdmin)).Get("/audit", s.handleListAuditLogs)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
