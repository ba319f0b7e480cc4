package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/domain/dose"
)

type fakeSource struct {
	mu    sync.Mutex
	days  []dose.DayReminders
	err   error
	calls int
}

func (f *fakeSource) ReadReminders(ctx context.Context, id string) ([]dose.DayReminders, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.days, nil
}

func (f *fakeSource) set(days []dose.DayReminders, err error) {
	f.mu.Lock()
	f.days, f.err = days, err
	f.mu.Unlock()
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var clock = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.Local) }

func rec(id int64, day, dosageTime string, status dose.Status) dose.ReminderRecord {
	return dose.ReminderRecord{
		ID:             id,
		MedicineID:     "med",
		MedicineName:   "Paracetamol",
		MedicationTime: "09:00 - 10:00",
		DosageTime:     dosageTime,
		DoseStatus:     status,
		Day:            day,
	}
}

func twoDays() []dose.DayReminders {
	return []dose.DayReminders{
		{Day: "2024-01-01", Reminders: []dose.ReminderRecord{
			rec(1, "2024-01-01", "2024-01-01T14:00:00", dose.StatusPending),
			rec(2, "2024-01-01", "2024-01-01T09:00:00", dose.StatusPending),
			rec(3, "2024-01-01", "2024-01-01T09:00:00", dose.StatusCompleted),
		}},
		{Day: "2024-01-02", Reminders: []dose.ReminderRecord{
			rec(4, "2024-01-02", "2024-01-02T09:00:00", dose.StatusPending),
		}},
	}
}

func newTestView(src Source, mut dose.Mutator) *View {
	machine := dose.NewMachine(mut, dose.WithClock(clock))
	return NewView(DefaultConfig("ward-7"), src, machine, nil, zap.NewNop())
}

func okMutator() dose.Mutator {
	return dose.MutatorFunc(func(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
		return dose.MutationResult{}, nil
	})
}

func TestView_RefreshGroupsAndSorts(t *testing.T) {
	src := &fakeSource{days: twoDays()}
	v := newTestView(src, okMutator())
	require.NoError(t, v.Refresh(context.Background()))

	s := v.Schedule()
	require.Len(t, s.Dates, 2)
	today := s.Dates[0]
	require.Len(t, today.Groups, 2)
	assert.Equal(t, "2024-01-01T09:00:00", today.Groups[0].DosageTime)
	assert.Equal(t, float64(50), today.Groups[0].Percentage)
	assert.Equal(t, "2024-01-01T14:00:00", today.Groups[1].DosageTime)
}

func TestView_ActiveIndexResetsWhenOutOfRange(t *testing.T) {
	src := &fakeSource{days: twoDays()}
	v := newTestView(src, okMutator())
	require.NoError(t, v.Refresh(context.Background()))
	require.NoError(t, v.SelectDate(1))
	assert.ErrorIs(t, v.SelectDate(2), ErrDateOutOfRange)

	src.set(twoDays()[:1], nil)
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, 0, v.Schedule().ActiveIndex)
}

func TestView_RefreshErrorKeepsSchedule(t *testing.T) {
	src := &fakeSource{days: twoDays()}
	v := newTestView(src, okMutator())
	require.NoError(t, v.Refresh(context.Background()))

	src.set(nil, errors.New("503"))
	assert.Error(t, v.Refresh(context.Background()))
	assert.Len(t, v.Schedule().Dates, 2)
}

func TestView_EmptyReadIsValid(t *testing.T) {
	v := newTestView(&fakeSource{}, okMutator())
	require.NoError(t, v.Refresh(context.Background()))
	assert.Empty(t, v.Schedule().Dates)
	assert.True(t, v.Snapshot().Empty())
}

func TestView_AdministerPatchesOnlyTarget(t *testing.T) {
	src := &fakeSource{days: twoDays()}
	v := newTestView(src, okMutator())
	require.NoError(t, v.Refresh(context.Background()))
	before := v.Schedule()

	got, err := v.Administer(context.Background(), 2, dose.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusCompleted, got.DoseStatus)
	assert.Equal(t, dose.GivenAt(clock()), got.GivenTime)

	after := v.Schedule()
	assert.Equal(t, float64(100), after.Dates[0].Groups[0].Percentage)
	assert.Equal(t, before.Dates[0].Groups[1], after.Dates[0].Groups[1])
	assert.Equal(t, before.Dates[1], after.Dates[1])
}

func TestView_AdministerRefusesOtherDates(t *testing.T) {
	var called bool
	mut := dose.MutatorFunc(func(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
		called = true
		return dose.MutationResult{}, nil
	})
	v := newTestView(&fakeSource{days: twoDays()}, mut)
	require.NoError(t, v.Refresh(context.Background()))

	_, err := v.Administer(context.Background(), 4, dose.StatusCompleted)
	assert.ErrorIs(t, err, dose.ErrTransitionGuard)
	_, err = v.Administer(context.Background(), 3, dose.StatusNotRequired)
	assert.ErrorIs(t, err, dose.ErrTransitionGuard)
	_, err = v.Administer(context.Background(), 99, dose.StatusCompleted)
	assert.ErrorIs(t, err, dose.ErrReminderNotFound)
	assert.False(t, called)
}

func TestView_AdministerRequiresTodaySelected(t *testing.T) {
	var calls int
	mut := dose.MutatorFunc(func(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
		calls++
		return dose.MutationResult{}, nil
	})
	v := newTestView(&fakeSource{days: twoDays()}, mut)
	require.NoError(t, v.Refresh(context.Background()))
	require.NoError(t, v.SelectDate(1))

	_, err := v.Administer(context.Background(), 2, dose.StatusCompleted)
	assert.ErrorIs(t, err, dose.ErrTransitionGuard)
	_, err = v.Administer(context.Background(), 4, dose.StatusCompleted)
	assert.ErrorIs(t, err, dose.ErrTransitionGuard)
	for _, d := range v.Snapshot().Dates {
		for _, s := range d.Slots {
			for _, c := range s.Reminders {
				assert.False(t, c.Actionable, "reminder %d", c.ID)
			}
		}
	}

	require.NoError(t, v.SelectDate(0))
	_, err = v.Administer(context.Background(), 2, dose.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestView_AdministerFailureLeavesState(t *testing.T) {
	mut := dose.MutatorFunc(func(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
		return dose.MutationResult{}, errors.New("connection reset")
	})
	v := newTestView(&fakeSource{days: twoDays()}, mut)
	require.NoError(t, v.Refresh(context.Background()))
	before := v.Schedule()

	_, err := v.Administer(context.Background(), 2, dose.StatusCompleted)
	var mutErr *dose.MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, before, v.Schedule())
}

func TestView_LateMutationAfterCloseIsNoop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mut := dose.MutatorFunc(func(ctx context.Context, req dose.MutationRequest) (dose.MutationResult, error) {
		close(entered)
		<-release
		return dose.MutationResult{}, nil
	})
	v := newTestView(&fakeSource{days: twoDays()}, mut)
	require.NoError(t, v.Refresh(context.Background()))
	before := v.Schedule()

	done := make(chan error, 1)
	go func() {
		_, err := v.Administer(context.Background(), 2, dose.StatusCompleted)
		done <- err
	}()
	<-entered
	v.Close()
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, before, v.Schedule())
	_, err := v.Administer(context.Background(), 1, dose.StatusCompleted)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestView_PollReplacesWholesale(t *testing.T) {
	src := &fakeSource{days: twoDays()}
	v := newTestView(src, okMutator())
	require.NoError(t, v.Refresh(context.Background()))
	_, err := v.Administer(context.Background(), 2, dose.StatusCompleted)
	require.NoError(t, err)

	// the backend has not caught up yet: latest read wins
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, float64(50), v.Schedule().Dates[0].Groups[0].Percentage)
}

func TestView_RunRefreshesOnNotify(t *testing.T) {
	src := &fakeSource{days: twoDays()}
	machine := dose.NewMachine(okMutator(), dose.WithClock(clock))
	v := NewView(Config{ScheduleContextID: "ward-7", PollInterval: time.Hour}, src, machine, nil, nil)

	errc := make(chan error, 1)
	go func() { errc <- v.Run(context.Background()) }()

	require.Eventually(t, func() bool { return src.callCount() == 1 }, time.Second, 5*time.Millisecond)
	v.Notify("ward-9")
	v.Notify("ward-7")
	require.Eventually(t, func() bool { return src.callCount() == 2 }, time.Second, 5*time.Millisecond)

	v.Close()
	require.NoError(t, <-errc)
}

func TestView_SnapshotActionable(t *testing.T) {
	v := newTestView(&fakeSource{days: twoDays()}, okMutator())
	require.NoError(t, v.Refresh(context.Background()))

	snap := v.Snapshot()
	require.Len(t, snap.Dates, 2)
	assert.True(t, snap.Dates[0].Today)
	assert.True(t, snap.Dates[0].Active)

	cards := map[int64]ReminderCard{}
	for _, d := range snap.Dates {
		for _, s := range d.Slots {
			for _, c := range s.Reminders {
				cards[c.ID] = c
			}
		}
	}
	assert.True(t, cards[2].Actionable)
	assert.False(t, cards[3].Actionable, "completed")
	assert.False(t, cards[4].Actionable, "not today")
}
