package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-mar/internal/domain/dose"
	"github.com/drfirst/go-mar/internal/schedule"
)

type staticSource []dose.DayReminders

func (s staticSource) ReadReminders(ctx context.Context, id string) ([]dose.DayReminders, error) {
	return s, nil
}

func scheduleRouter(t *testing.T, mut dose.MutatorFunc) (http.Handler, *schedule.View) {
	t.Helper()
	src := staticSource{
		{Day: "2024-01-01", Reminders: []dose.ReminderRecord{
			{ID: 1, MedicationTime: "09:00 - 10:00", DosageTime: "2024-01-01T09:00:00", Day: "2024-01-01"},
			{ID: 2, MedicationTime: "13:00 - 14:00", DosageTime: "2024-01-01T13:00:00", Day: "2024-01-01"},
		}},
		{Day: "2024-01-02", Reminders: []dose.ReminderRecord{
			{ID: 3, MedicationTime: "09:00 - 10:00", DosageTime: "2024-01-02T09:00:00", Day: "2024-01-02"},
		}},
	}
	clock := func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local) }
	view := schedule.NewView(schedule.DefaultConfig("ward-3"), src, dose.NewMachine(mut, dose.WithClock(clock)), nil, nil)
	require.NoError(t, view.Refresh(context.Background()))

	r := chi.NewRouter()
	r.Mount("/api/v1/schedule", NewScheduleHandler(view, nil).Routes())
	return r, view
}

func okMutation(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
	return dose.MutationResult{}, nil
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestScheduleGet(t *testing.T) {
	h, _ := scheduleRouter(t, okMutation)

	rr := do(h, http.MethodGet, "/api/v1/schedule", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var snap schedule.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Len(t, snap.Dates, 2)
	assert.True(t, snap.Dates[0].Today)
	require.Len(t, snap.Dates[0].Slots, 2)
	assert.True(t, snap.Dates[0].Slots[0].Reminders[0].Actionable)
	assert.False(t, snap.Dates[0].Slots[1].Reminders[0].Actionable)
	assert.False(t, snap.Dates[1].Slots[0].Reminders[0].Actionable)
}

func TestScheduleSelectDate(t *testing.T) {
	h, view := scheduleRouter(t, okMutation)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPut, "/api/v1/schedule/active-date", `{"index":1}`).Code)
	assert.Equal(t, 1, view.Schedule().ActiveIndex)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/v1/schedule/active-date", `{"index":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPut, "/api/v1/schedule/active-date", `{}`).Code)
	assert.Equal(t, 1, view.Schedule().ActiveIndex)
}

func TestScheduleAdminister(t *testing.T) {
	h, view := scheduleRouter(t, okMutation)

	rr := do(h, http.MethodPost, "/api/v1/schedule/reminders/1/administer", `{"doseStatus":1}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data dose.ReminderRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, dose.StatusCompleted, resp.Data.DoseStatus)
	assert.True(t, resp.Data.GivenTime.Present())
	assert.Equal(t, float64(100), view.Schedule().Dates[0].Groups[0].Percentage)
	assert.Equal(t, float64(0), view.Schedule().Dates[0].Groups[1].Percentage)
}

func TestScheduleAdminister_ErrorMapping(t *testing.T) {
	h, _ := scheduleRouter(t, okMutation)

	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/api/v1/schedule/reminders/2/administer", `{"doseStatus":1}`).Code)
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/api/v1/schedule/reminders/3/administer", `{"doseStatus":2}`).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/api/v1/schedule/reminders/99/administer", `{"doseStatus":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/schedule/reminders/1/administer", `{"doseStatus":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/v1/schedule/reminders/x/administer", `{"doseStatus":1}`).Code)

	failing, _ := scheduleRouter(t, func(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
		return dose.MutationResult{}, errors.New("backend unavailable")
	})
	assert.Equal(t, http.StatusBadGateway, do(failing, http.MethodPost, "/api/v1/schedule/reminders/1/administer", `{"doseStatus":1}`).Code)
}

func TestScheduleAdminister_AfterClose(t *testing.T) {
	h, view := scheduleRouter(t, okMutation)
	view.Close()
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/api/v1/schedule/reminders/1/administer", `{"doseStatus":1}`).Code)
}
