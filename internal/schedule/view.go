// Package schedule owns the per-date reminder schedule shown to ward staff:
// it polls the reminder source, regroups each date into time slots and routes
// administration actions through the dose status machine.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/domain/dose"
	"github.com/drfirst/go-mar/internal/observability/metrics"
)

// Source reads every reminder of a schedule context, dates ordered with the
// current date first.
type Source interface {
	ReadReminders(ctx context.Context, scheduleContextID string) ([]dose.DayReminders, error)
}

// ErrDateOutOfRange is returned by SelectDate for an index with no date
var ErrDateOutOfRange = errors.New("date index out of range")

// ErrClosed is returned by operations on a closed view
var ErrClosed = errors.New("schedule view closed")

// DateBucket is the grouped schedule of one calendar date
type DateBucket struct {
	Day    string               `json:"day"`
	Groups []dose.ReminderGroup `json:"groups"`
}

// Schedule is the full grouped schedule and the selected date
type Schedule struct {
	Dates       []DateBucket `json:"dates"`
	ActiveIndex int          `json:"activeIndex"`
	LoadedAt    time.Time    `json:"loadedAt"`
}

// BuildBuckets groups and sorts each date's reminders
func BuildBuckets(days []dose.DayReminders) []DateBucket {
	buckets := make([]DateBucket, 0, len(days))
	for _, day := range days {
		groups := dose.GroupByDosageTime(day.Reminders)
		dose.SortGroups(groups)
		buckets = append(buckets, DateBucket{Day: day.Day, Groups: groups})
	}
	return buckets
}

// IsActiveDate reports whether the date at index i is today. The source
// returns today first, so only index 0 qualifies.
func IsActiveDate(i int) bool { return i == 0 }

// controlsEnabled reports whether reminders of date di may be acted on while
// activeIndex is selected: only the selected tab shows controls, and only
// when that tab is today.
func controlsEnabled(di, activeIndex int) bool {
	return di == activeIndex && IsActiveDate(activeIndex)
}

// Config holds view configuration
type Config struct {
	ScheduleContextID string
	// PollInterval is how often the source is re-read
	PollInterval time.Duration
}

// DefaultConfig returns defaults for a ward view
func DefaultConfig(scheduleContextID string) Config {
	return Config{
		ScheduleContextID: scheduleContextID,
		PollInterval:      30 * time.Second,
	}
}

// View owns the authoritative schedule for one schedule context
type View struct {
	config  Config
	source  Source
	machine *dose.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	sched  Schedule
	closed bool

	refresh   chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// NewView creates a view. metrics may be nil.
func NewView(cfg Config, source Source, machine *dose.Machine, m *metrics.Metrics, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig(cfg.ScheduleContextID).PollInterval
	}
	return &View{
		config:  cfg,
		source:  source,
		machine: machine,
		metrics: m,
		logger:  logger.With(zap.String("schedule_context_id", cfg.ScheduleContextID)),
		tracer:  otel.Tracer("schedule-view"),
		refresh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// ScheduleContextID returns the context this view follows
func (v *View) ScheduleContextID() string { return v.config.ScheduleContextID }

// Refresh re-reads the source and replaces the schedule wholesale
func (v *View) Refresh(ctx context.Context) error {
	return v.reload(ctx, "manual")
}

func (v *View) reload(ctx context.Context, trigger string) error {
	ctx, span := v.tracer.Start(ctx, "schedule_refresh",
		trace.WithAttributes(
			attribute.String("schedule_context_id", v.config.ScheduleContextID),
			attribute.String("trigger", trigger),
		))
	defer span.End()

	start := time.Now()
	days, err := v.source.ReadReminders(ctx, v.config.ScheduleContextID)
	if err != nil {
		span.RecordError(err)
		v.metrics.ObserveRefresh(trigger, err, time.Since(start), 0)
		return fmt.Errorf("read reminders: %w", err)
	}
	buckets := BuildBuckets(days)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.sched.Dates = buckets
	v.sched.LoadedAt = time.Now()
	if v.sched.ActiveIndex >= len(buckets) || v.sched.ActiveIndex < 0 {
		v.sched.ActiveIndex = 0
	}
	pending := pendingToday(buckets)
	v.mu.Unlock()

	v.metrics.ObserveRefresh(trigger, nil, time.Since(start), pending)
	span.SetAttributes(attribute.Int("dates", len(buckets)))
	return nil
}

// Notify requests an immediate refresh when scheduleContextID is the one
// this view follows. It never blocks.
func (v *View) Notify(scheduleContextID string) {
	if scheduleContextID != v.config.ScheduleContextID {
		return
	}
	select {
	case v.refresh <- struct{}{}:
	default:
	}
}

// Run loads the schedule and keeps it fresh until ctx is done or Close is
// called. Refresh failures are logged and retried on the next tick.
func (v *View) Run(ctx context.Context) error {
	if err := v.reload(ctx, "initial"); err != nil {
		v.logger.Warn("initial schedule load failed", zap.Error(err))
	}

	ticker := time.NewTicker(v.config.PollInterval)
	defer ticker.Stop()

	v.logger.Info("schedule polling started", zap.Duration("poll_interval", v.config.PollInterval))
	for {
		var trigger string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.stop:
			return nil
		case <-ticker.C:
			trigger = "poll"
		case <-v.refresh:
			trigger = "notify"
		}
		if err := v.reload(ctx, trigger); err != nil {
			v.logger.Warn("schedule refresh failed", zap.String("trigger", trigger), zap.Error(err))
		}
	}
}

// Close stops polling. Reads and mutations settling afterwards leave the
// schedule untouched.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		close(v.stop)
	})
}

// SelectDate sets the active date index
func (v *View) SelectDate(i int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i < 0 || i >= len(v.sched.Dates) {
		return ErrDateOutOfRange
	}
	v.sched.ActiveIndex = i
	return nil
}

// Schedule returns a deep copy of the current schedule
func (v *View) Schedule() Schedule {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return cloneSchedule(v.sched)
}

// Administer records reminderID as Completed or Not Required. The mutation
// runs without holding the view lock; on success the outcome is applied to
// whichever group holds the reminder at that point.
func (v *View) Administer(ctx context.Context, reminderID int64, to dose.Status) (dose.ReminderRecord, error) {
	ctx, span := v.tracer.Start(ctx, "schedule_administer",
		trace.WithAttributes(
			attribute.Int64("reminder_id", reminderID),
			attribute.String("to", to.String()),
		))
	defer span.End()

	v.mu.RLock()
	if v.closed {
		v.mu.RUnlock()
		return dose.ReminderRecord{}, ErrClosed
	}
	di, gi, ri, ok := locate(v.sched.Dates, reminderID)
	if !ok {
		v.mu.RUnlock()
		return dose.ReminderRecord{}, dose.ErrReminderNotFound
	}
	rec := v.sched.Dates[di].Groups[gi].Reminders[ri]
	enabled := controlsEnabled(di, v.sched.ActiveIndex)
	v.mu.RUnlock()

	out, err := v.machine.Submit(ctx, rec, to, enabled)
	if err != nil {
		span.RecordError(err)
		var mutErr *dose.MutationError
		switch {
		case errors.Is(err, dose.ErrTransitionGuard):
			v.metrics.ObserveGuardRejection()
		case errors.As(err, &mutErr):
			v.metrics.ObserveMutationFailure()
		}
		return dose.ReminderRecord{}, err
	}
	v.metrics.ObserveTransition(to.String(), !out.FromResponse)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		rec.DoseStatus, rec.GivenTime = out.To, dose.GivenAt(out.GivenTime)
		return rec, nil
	}
	di, gi, ri, ok = locate(v.sched.Dates, reminderID)
	if !ok {
		// a reload dropped the reminder meanwhile; the next poll is authoritative
		rec.DoseStatus, rec.GivenTime = out.To, dose.GivenAt(out.GivenTime)
		return rec, nil
	}
	group := &v.sched.Dates[di].Groups[gi]
	if !dose.Apply(group, out) {
		v.logger.Debug("reminder already settled by a newer load", zap.Int64("reminder_id", reminderID))
	}
	return group.Reminders[ri], nil
}

func locate(dates []DateBucket, id int64) (int, int, int, bool) {
	for di := range dates {
		for gi := range dates[di].Groups {
			if ri := dates[di].Groups[gi].Find(id); ri >= 0 {
				return di, gi, ri, true
			}
		}
	}
	return 0, 0, 0, false
}

func pendingToday(buckets []DateBucket) int {
	if len(buckets) == 0 {
		return 0
	}
	n := 0
	for _, g := range buckets[0].Groups {
		for _, r := range g.Reminders {
			if r.Pending() {
				n++
			}
		}
	}
	return n
}

func cloneSchedule(s Schedule) Schedule {
	out := Schedule{ActiveIndex: s.ActiveIndex, LoadedAt: s.LoadedAt}
	out.Dates = make([]DateBucket, len(s.Dates))
	for i, d := range s.Dates {
		groups := make([]dose.ReminderGroup, len(d.Groups))
		for j, g := range d.Groups {
			groups[j] = g
			groups[j].Reminders = append([]dose.ReminderRecord(nil), g.Reminders...)
		}
		out.Dates[i] = DateBucket{Day: d.Day, Groups: groups}
	}
	return out
}
