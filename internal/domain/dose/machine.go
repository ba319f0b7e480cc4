package dose

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MutationRequest is sent to the collaborator that records a status change
type MutationRequest struct {
	ReminderID     int64  `json:"reminderId"`
	DoseStatus     Status `json:"doseStatus"`
	MedicationTime string `json:"medicationTime"`
}

// MutationResult is the collaborator's answer. GivenTime may be absent.
type MutationResult struct {
	GivenTime GivenTime
}

// Mutator records dose status changes with the authoritative backend
type Mutator interface {
	MutateDoseStatus(ctx context.Context, req MutationRequest) (MutationResult, error)
}

// MutatorFunc adapts a function to Mutator
type MutatorFunc func(ctx context.Context, req MutationRequest) (MutationResult, error)

// MutateDoseStatus calls f
func (f MutatorFunc) MutateDoseStatus(ctx context.Context, req MutationRequest) (MutationResult, error) {
	return f(ctx, req)
}

// Outcome is a settled, successful transition not yet applied to a group
type Outcome struct {
	ReminderID int64
	From       Status
	To         Status
	GivenTime  time.Time
	// FromResponse is false when GivenTime came from the local clock
	FromResponse bool
}

// CanTransition reports whether a transition control may be offered for rec
func CanTransition(rec ReminderRecord, now time.Time, isActiveDate bool) bool {
	if rec.DoseStatus != StatusPending {
		return false
	}
	if !isActiveDate {
		return false
	}
	return WindowOpen(rec.MedicationTime, now)
}

// Machine drives reminder status transitions. It holds no schedule state;
// only the set of reminders with a mutation in flight.
type Machine struct {
	mutator Mutator
	clock   func() time.Time
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// Option configures a Machine
type Option func(*Machine)

// WithClock overrides the wall clock used for guards and the given-time fallback
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine creates a machine that records transitions through mutator
func NewMachine(mutator Mutator, opts ...Option) *Machine {
	m := &Machine{
		mutator:  mutator,
		clock:    time.Now,
		logger:   zap.NewNop(),
		inflight: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the machine's clock reading
func (m *Machine) Now() time.Time { return m.clock() }

// CanTransition evaluates the guard at the machine's clock, also refusing
// reminders with a mutation in flight.
func (m *Machine) CanTransition(rec ReminderRecord, isActiveDate bool) bool {
	if m.InFlight(rec.ID) {
		return false
	}
	return CanTransition(rec, m.clock(), isActiveDate)
}

// InFlight reports whether a mutation for id has not settled
func (m *Machine) InFlight(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

// Submit records a transition of rec to the given status with the mutator.
// rec is not modified; apply the returned outcome with Apply.
func (m *Machine) Submit(ctx context.Context, rec ReminderRecord, to Status, isActiveDate bool) (Outcome, error) {
	if !to.Terminal() {
		return Outcome{}, ErrInvalidTargetStatus
	}
	if !m.acquire(rec.ID) {
		return Outcome{}, ErrTransitionInFlight
	}
	defer m.release(rec.ID)

	if !CanTransition(rec, m.clock(), isActiveDate) {
		m.logger.Debug("transition refused by guard",
			zap.Int64("reminder_id", rec.ID),
			zap.Stringer("status", rec.DoseStatus),
			zap.Bool("active_date", isActiveDate),
			zap.String("medication_time", rec.MedicationTime))
		return Outcome{}, ErrTransitionGuard
	}

	res, err := m.mutator.MutateDoseStatus(ctx, MutationRequest{
		ReminderID:     rec.ID,
		DoseStatus:     to,
		MedicationTime: rec.MedicationTime,
	})
	if err != nil {
		m.logger.Warn("dose status mutation failed",
			zap.Int64("reminder_id", rec.ID),
			zap.Stringer("to", to),
			zap.Error(err))
		return Outcome{}, &MutationError{ReminderID: rec.ID, Status: to, Err: err}
	}

	out := Outcome{
		ReminderID:   rec.ID,
		From:         rec.DoseStatus,
		To:           to,
		GivenTime:    res.GivenTime.Resolve(m.clock()),
		FromResponse: res.GivenTime.Present(),
	}
	m.logger.Info("dose status recorded",
		zap.Int64("reminder_id", rec.ID),
		zap.Stringer("to", to),
		zap.Time("given_time", out.GivenTime),
		zap.Bool("given_time_from_response", out.FromResponse))
	return out, nil
}

// Apply patches the outcome into group and recomputes its percentage.
// It returns false when the reminder is not a member or is already terminal.
func Apply(group *ReminderGroup, out Outcome) bool {
	i := group.Find(out.ReminderID)
	if i < 0 || group.Reminders[i].DoseStatus.Terminal() {
		return false
	}
	group.Reminders[i].DoseStatus = out.To
	group.Reminders[i].GivenTime = GivenAt(out.GivenTime)
	group.Recompute()
	return true
}

// Transition submits and applies a transition for a reminder in group. The
// caller must own group exclusively for the duration of the call.
func (m *Machine) Transition(ctx context.Context, group *ReminderGroup, reminderID int64, to Status, isActiveDate bool) (Outcome, error) {
	i := group.Find(reminderID)
	if i < 0 {
		return Outcome{}, ErrReminderNotFound
	}
	out, err := m.Submit(ctx, group.Reminders[i], to, isActiveDate)
	if err != nil {
		return Outcome{}, err
	}
	Apply(group, out)
	return out, nil
}

func (m *Machine) acquire(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Machine) release(id int64) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}
