package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/api/middleware"
	"github.com/drfirst/go-mar/internal/domain/dose"
	"github.com/drfirst/go-mar/internal/schedule"
)

// ScheduleHandler exposes a schedule view to a ward display
type ScheduleHandler struct {
	view   *schedule.View
	logger *zap.Logger
}

// NewScheduleHandler creates a new handler
func NewScheduleHandler(view *schedule.View, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{view: view, logger: logger}
}

// Routes returns the handler routes, to be mounted at /api/v1/schedule
func (h *ScheduleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Put("/active-date", h.SelectDate)
	r.Post("/reminders/{id}/administer", h.Administer)
	return r
}

// Get handles GET /schedule
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view.Snapshot())
}

// SelectDateRequest is the body of PUT /schedule/active-date
type SelectDateRequest struct {
	Index *int `json:"index"`
}

// SelectDate handles PUT /schedule/active-date
func (h *ScheduleHandler) SelectDate(w http.ResponseWriter, r *http.Request) {
	var req SelectDateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil {
		jsonError(w, "index is required", http.StatusBadRequest)
		return
	}
	if err := h.view.SelectDate(*req.Index); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.view.Snapshot())
}

// AdministerRequest is the body of POST /schedule/reminders/{id}/administer
type AdministerRequest struct {
	DoseStatus dose.Status `json:"doseStatus"`
}

// Administer handles POST /schedule/reminders/{id}/administer
func (h *ScheduleHandler) Administer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid reminder id", http.StatusBadRequest)
		return
	}
	var req AdministerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.view.Administer(ctx, id, req.DoseStatus)
	if err != nil {
		code := statusForAdminister(err)
		if code >= http.StatusInternalServerError {
			h.logger.Warn("administer failed",
				zap.Int64("reminder_id", id),
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
		}
		jsonError(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rec})
}

func statusForAdminister(err error) int {
	var mutErr *dose.MutationError
	switch {
	case errors.As(err, &mutErr):
		return http.StatusBadGateway
	case errors.Is(err, dose.ErrInvalidTargetStatus):
		return http.StatusBadRequest
	case errors.Is(err, dose.ErrReminderNotFound):
		return http.StatusNotFound
	case errors.Is(err, dose.ErrTransitionGuard), errors.Is(err, dose.ErrTransitionInFlight):
		return http.StatusConflict
	case errors.Is(err, schedule.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
