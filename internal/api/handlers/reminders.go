// Package handlers provides HTTP handlers for the dose API and the schedule view.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/api/middleware"
	"github.com/drfirst/go-mar/internal/client/doseapi"
	"github.com/drfirst/go-mar/internal/domain/dose"
	"github.com/drfirst/go-mar/internal/infrastructure/postgres"
	"github.com/drfirst/go-mar/internal/observability/metrics"
	"github.com/drfirst/go-mar/pkg/idempotency"
)

// ReplayedHeader marks a response served from the idempotency inbox
const ReplayedHeader = "Idempotent-Replayed"

// ReminderStore reads reminders and records dose status changes
type ReminderStore interface {
	ReadReminders(ctx context.Context, scheduleContextID string) ([]dose.DayReminders, error)
	MutateDoseStatus(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error)
}

// Deduplicator runs a submission at most once per key
type Deduplicator interface {
	Process(ctx context.Context, key string, fn idempotency.ProcessFunc) (json.RawMessage, bool, error)
}

// ReminderHandler serves the dose API
type ReminderHandler struct {
	store   ReminderStore
	inbox   Deduplicator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReminderHandler creates a new handler. inbox and m may be nil.
func NewReminderHandler(store ReminderStore, inbox Deduplicator, m *metrics.Metrics, logger *zap.Logger) *ReminderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderHandler{
		store:   store,
		inbox:   inbox,
		metrics: m,
		logger:  logger,
	}
}

// Routes returns the handler routes, to be mounted at /api/v1
func (h *ReminderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/schedules/{scheduleContextID}/reminders", h.ListReminders)
	r.Patch("/reminders/{id}/dose-status", h.UpdateDoseStatus)
	return r
}

// ListReminders handles GET /schedules/{scheduleContextID}/reminders
func (h *ReminderHandler) ListReminders(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("reminder-handler").Start(r.Context(), "list_reminders")
	defer span.End()

	id := chi.URLParam(r, "scheduleContextID")
	days, err := h.store.ReadReminders(ctx, id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("read reminders failed",
			zap.String("schedule_context_id", id),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, "failed to read reminders", http.StatusInternalServerError)
		return
	}
	if days == nil {
		days = []dose.DayReminders{}
	}
	for i := range days {
		if days[i].Reminders == nil {
			days[i].Reminders = []dose.ReminderRecord{}
		}
	}
	writeJSON(w, http.StatusOK, doseapi.RemindersResponse{Dates: days})
}

// UpdateDoseStatus handles PATCH /reminders/{id}/dose-status. Without an
// Idempotency-Key header the key is derived from the request.
func (h *ReminderHandler) UpdateDoseStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("reminder-handler").Start(r.Context(), "update_dose_status")
	defer span.End()
	ctx = dose.ContextWithCorrelation(ctx, middleware.GetRequestID(ctx))

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid reminder id", http.StatusBadRequest)
		return
	}
	var req doseapi.DoseStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.DoseStatus.Terminal() {
		h.metrics.ObserveStatusMutation("invalid")
		jsonError(w, dose.ErrInvalidTargetStatus.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int64("reminder_id", id),
		attribute.String("to", req.DoseStatus.String()))

	mutate := func(ctx context.Context) (json.RawMessage, error) {
		res, err := h.store.MutateDoseStatus(ctx, dose.MutationRequest{
			ReminderID:     id,
			DoseStatus:     req.DoseStatus,
			MedicationTime: req.MedicationTime,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(doseapi.DoseStatusResponse{Data: doseapi.DoseStatusData{GivenTime: res.GivenTime}})
	}

	var (
		body     json.RawMessage
		replayed bool
	)
	if h.inbox != nil {
		key := r.Header.Get(idempotency.HeaderName)
		if key == "" {
			key = idempotency.GenerateKey(id, int(req.DoseStatus), req.MedicationTime)
		}
		body, replayed, err = h.inbox.Process(ctx, key, mutate)
	} else {
		body, err = mutate(ctx)
	}
	if err != nil {
		span.RecordError(err)
		status, result := statusForMutation(err)
		h.metrics.ObserveStatusMutation(result)
		if status == http.StatusInternalServerError {
			h.logger.Error("dose status update failed",
				zap.Int64("reminder_id", id),
				zap.String("request_id", middleware.GetRequestID(ctx)),
				zap.Error(err))
			jsonError(w, "failed to record dose status", status)
			return
		}
		jsonError(w, err.Error(), status)
		return
	}

	if replayed {
		h.metrics.ObserveStatusMutation("replayed")
		w.Header().Set(ReplayedHeader, "true")
	} else {
		h.metrics.ObserveStatusMutation("recorded")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func statusForMutation(err error) (int, string) {
	switch {
	case errors.Is(err, postgres.ErrReminderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, postgres.ErrReminderTerminal):
		return http.StatusConflict, "conflict"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, dose.ErrInvalidTargetStatus):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, doseapi.ErrorResponse{Error: message})
}
