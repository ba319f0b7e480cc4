package dose

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of dose domain event
type EventType string

const (
	EventDoseAdministered EventType = "DoseAdministered"
	EventDoseNotRequired  EventType = "DoseNotRequired"
)

// EventTypeFor maps a terminal status to the event announcing it
func EventTypeFor(s Status) (EventType, bool) {
	switch s {
	case StatusCompleted:
		return EventDoseAdministered, true
	case StatusNotRequired:
		return EventDoseNotRequired, true
	}
	return "", false
}

// Event is the envelope published for every recorded status change
type Event struct {
	ID                string          `json:"id"`
	AggregateID       string          `json:"aggregate_id"`
	AggregateType     string          `json:"aggregate_type"`
	EventType         EventType       `json:"event_type"`
	EventData         json.RawMessage `json:"event_data"`
	ScheduleContextID string          `json:"schedule_context_id"`
	Timestamp         time.Time       `json:"timestamp"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
}

// StatusChangedData is the payload of DoseAdministered and DoseNotRequired
type StatusChangedData struct {
	ReminderID        int64     `json:"reminder_id"`
	ScheduleContextID string    `json:"schedule_context_id"`
	MedicineID        string    `json:"medicine_id"`
	DoseStatus        Status    `json:"dose_status"`
	MedicationTime    string    `json:"medication_time"`
	GivenTime         time.Time `json:"given_time"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, scheduleContextID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:                uuid.New().String(),
		AggregateID:       aggregateID,
		AggregateType:     "MedicationReminder",
		EventType:         eventType,
		EventData:         eventData,
		ScheduleContextID: scheduleContextID,
		Timestamp:         time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

type correlationKey struct{}

// ContextWithCorrelation returns ctx carrying the correlation ID stamped on
// events raised while handling it
func ContextWithCorrelation(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFromContext returns the correlation ID carried by ctx, if any
func CorrelationFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
