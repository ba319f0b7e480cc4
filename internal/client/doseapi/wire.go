// Package doseapi is the HTTP client for the dose API. It reads reminders and
// records dose status changes on behalf of a schedule view.
package doseapi

import (
	"github.com/drfirst/go-mar/internal/domain/dose"
)

// RemindersResponse is the body of GET /api/v1/schedules/{id}/reminders
type RemindersResponse struct {
	Dates []dose.DayReminders `json:"dates"`
}

// DoseStatusRequest is the body of PATCH /api/v1/reminders/{id}/dose-status
type DoseStatusRequest struct {
	DoseStatus     dose.Status `json:"doseStatus"`
	MedicationTime string      `json:"medicationTime"`
}

// DoseStatusResponse is what the dose API answers to a recorded change
type DoseStatusResponse struct {
	Data DoseStatusData `json:"data"`
}

type DoseStatusData struct {
	GivenTime dose.GivenTime `json:"givenTime"`
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}
