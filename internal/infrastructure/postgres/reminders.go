// Package postgres provides PostgreSQL infrastructure components.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/domain/dose"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables used by the dose services
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

var (
	ErrReminderNotFound = dose.ErrReminderNotFound
	// ErrReminderTerminal is returned when the reminder is no longer pending
	ErrReminderTerminal = errors.New("reminder already completed or not required")
)

const dayLayout = "2006-01-02"

// ReminderStore serves reminder reads and dose status changes
type ReminderStore struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	tracer   trace.Tracer
	location *time.Location
	now      func() time.Time
	topic    string
}

// NewReminderStore creates a store. Dose events are written to the outbox
// for topic; location decides which calendar date is today.
func NewReminderStore(pool *pgxpool.Pool, topic string, location *time.Location, logger *zap.Logger) *ReminderStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.Local
	}
	return &ReminderStore{
		pool:     pool,
		logger:   logger,
		tracer:   otel.Tracer("reminder-store"),
		location: location,
		now:      time.Now,
		topic:    topic,
	}
}

// ReadReminders returns every reminder of a schedule context grouped by day.
// Today always comes first, possibly empty, followed by the other days in
// ascending order.
func (s *ReminderStore) ReadReminders(ctx context.Context, scheduleContextID string) ([]dose.DayReminders, error) {
	ctx, span := s.tracer.Start(ctx, "read_reminders",
		trace.WithAttributes(attribute.String("schedule_context_id", scheduleContextID)))
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT id, medicine_id, medicine_name, medicine_type, dosage,
		       medication_time, dosage_time, dose_status, given_time, day
		FROM medication_reminders
		WHERE schedule_context_id = $1
		ORDER BY day ASC, id ASC
	`, scheduleContextID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var records []dose.ReminderRecord
	for rows.Next() {
		var (
			r         dose.ReminderRecord
			status    int16
			givenTime *time.Time
			day       time.Time

			medicineID, medType, dosage string
		)
		if err := rows.Scan(&r.ID, &medicineID, &r.MedicineName, &medType, &dosage,
			&r.MedicationTime, &r.DosageTime, &status, &givenTime, &day); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.MedicineID, r.MedicineType, r.Dosage = dose.Text(medicineID), dose.Text(medType), dose.Text(dosage)
		r.DoseStatus = dose.Status(status)
		if givenTime != nil {
			r.GivenTime = dose.GivenAt(givenTime.In(s.location))
		}
		r.Day = day.Format(dayLayout)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}

	days := OrderDays(records, s.now().In(s.location).Format(dayLayout))
	span.SetAttributes(attribute.Int("reminders", len(records)), attribute.Int("days", len(days)))
	return days, nil
}

// OrderDays partitions records by Day, today first and the rest ascending.
// Record order within a day is preserved.
func OrderDays(records []dose.ReminderRecord, today string) []dose.DayReminders {
	byDay := map[string][]dose.ReminderRecord{}
	var others []string
	for _, r := range records {
		if _, seen := byDay[r.Day]; !seen && r.Day != today {
			others = append(others, r.Day)
		}
		byDay[r.Day] = append(byDay[r.Day], r)
	}
	sort.Strings(others)

	days := make([]dose.DayReminders, 0, len(others)+1)
	days = append(days, dose.DayReminders{Day: today, Reminders: byDay[today]})
	for _, d := range others {
		days = append(days, dose.DayReminders{Day: d, Reminders: byDay[d]})
	}
	return days
}

// MutateDoseStatus moves a pending reminder to a terminal status, stamps the
// given time and enqueues the matching dose event in the same transaction.
func (s *ReminderStore) MutateDoseStatus(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
	ctx, span := s.tracer.Start(ctx, "mutate_dose_status",
		trace.WithAttributes(
			attribute.Int64("reminder_id", req.ReminderID),
			attribute.String("to", req.DoseStatus.String()),
		))
	defer span.End()

	eventType, ok := dose.EventTypeFor(req.DoseStatus)
	if !ok {
		return dose.MutationResult{}, dose.ErrInvalidTargetStatus
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dose.MutationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		scheduleContextID string
		medicineID        string
		medicationTime    string
		givenTime         time.Time
	)
	err = tx.QueryRow(ctx, `
		UPDATE medication_reminders
		SET dose_status = $1, given_time = NOW(), updated_at = NOW()
		WHERE id = $2 AND dose_status = 0
		RETURNING schedule_context_id, medicine_id, medication_time, given_time
	`, int16(req.DoseStatus), req.ReminderID).Scan(&scheduleContextID, &medicineID, &medicationTime, &givenTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return dose.MutationResult{}, s.explainNoUpdate(ctx, tx, req.ReminderID)
	}
	if err != nil {
		span.RecordError(err)
		return dose.MutationResult{}, fmt.Errorf("update reminder: %w", err)
	}
	if req.MedicationTime != "" && req.MedicationTime != medicationTime {
		s.logger.Warn("medication time differs from stored schedule",
			zap.Int64("reminder_id", req.ReminderID),
			zap.String("submitted", req.MedicationTime),
			zap.String("stored", medicationTime))
	}

	event, err := newStatusEvent(ctx, eventType, &dose.StatusChangedData{
		ReminderID:        req.ReminderID,
		ScheduleContextID: scheduleContextID,
		MedicineID:        medicineID,
		DoseStatus:        req.DoseStatus,
		MedicationTime:    medicationTime,
		GivenTime:         givenTime,
	})
	if err != nil {
		return dose.MutationResult{}, fmt.Errorf("build event: %w", err)
	}
	if err := WriteEvent(ctx, tx, s.topic, event); err != nil {
		return dose.MutationResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dose.MutationResult{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("dose status recorded",
		zap.Int64("reminder_id", req.ReminderID),
		zap.String("schedule_context_id", scheduleContextID),
		zap.Stringer("status", req.DoseStatus))
	return dose.MutationResult{GivenTime: dose.GivenAt(givenTime.In(s.location))}, nil
}

// newStatusEvent builds the event announcing a recorded status change,
// correlated with the request that caused it
func newStatusEvent(ctx context.Context, eventType dose.EventType, data *dose.StatusChangedData) (*dose.Event, error) {
	event, err := dose.NewEvent(strconv.FormatInt(data.ReminderID, 10), data.ScheduleContextID, eventType, data)
	if err != nil {
		return nil, err
	}
	return event.WithCorrelation(dose.CorrelationFromContext(ctx)), nil
}

func (s *ReminderStore) explainNoUpdate(ctx context.Context, tx pgx.Tx, id int64) error {
	var status int16
	err := tx.QueryRow(ctx, `SELECT dose_status FROM medication_reminders WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReminderNotFound
	}
	if err != nil {
		return fmt.Errorf("load reminder: %w", err)
	}
	return ErrReminderTerminal
}
