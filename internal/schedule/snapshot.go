package schedule

import (
	"time"

	"github.com/drfirst/go-mar/internal/domain/dose"
)

// ReminderCard is a reminder as rendered, with whether its controls are enabled
type ReminderCard struct {
	dose.ReminderRecord
	Actionable bool `json:"actionable"`
	InFlight   bool `json:"inFlight"`
}

// SlotView is one rendered time slot
type SlotView struct {
	DosageTime string         `json:"dosageTime"`
	Percentage float64        `json:"percentage"`
	Reminders  []ReminderCard `json:"reminders"`
}

// DateView is one rendered date tab
type DateView struct {
	Day    string     `json:"day"`
	Today  bool       `json:"today"`
	Active bool       `json:"active"`
	Slots  []SlotView `json:"slots"`
}

// Snapshot is a render-ready copy of the schedule
type Snapshot struct {
	ScheduleContextID string     `json:"scheduleContextId"`
	ActiveIndex       int        `json:"activeIndex"`
	LoadedAt          time.Time  `json:"loadedAt"`
	Dates             []DateView `json:"dates"`
}

// Empty reports whether no reminders are scheduled on the active date
func (s Snapshot) Empty() bool {
	if s.ActiveIndex >= len(s.Dates) {
		return true
	}
	return len(s.Dates[s.ActiveIndex].Slots) == 0
}

// Snapshot evaluates transition guards at the machine clock for every reminder
func (v *View) Snapshot() Snapshot {
	sched := v.Schedule()
	now := v.machine.Now()

	snap := Snapshot{
		ScheduleContextID: v.config.ScheduleContextID,
		ActiveIndex:       sched.ActiveIndex,
		LoadedAt:          sched.LoadedAt,
		Dates:             make([]DateView, 0, len(sched.Dates)),
	}
	for di, d := range sched.Dates {
		dv := DateView{
			Day:    d.Day,
			Today:  IsActiveDate(di),
			Active: di == sched.ActiveIndex,
			Slots:  make([]SlotView, 0, len(d.Groups)),
		}
		for _, g := range d.Groups {
			sv := SlotView{
				DosageTime: g.DosageTime,
				Percentage: g.Percentage,
				Reminders:  make([]ReminderCard, 0, len(g.Reminders)),
			}
			for _, r := range g.Reminders {
				inFlight := v.machine.InFlight(r.ID)
				sv.Reminders = append(sv.Reminders, ReminderCard{
					ReminderRecord: r,
					Actionable:     !inFlight && dose.CanTransition(r, now, controlsEnabled(di, sched.ActiveIndex)),
					InFlight:       inFlight,
				})
			}
			dv.Slots = append(dv.Slots, sv)
		}
		snap.Dates = append(snap.Dates, dv)
	}
	return snap
}
