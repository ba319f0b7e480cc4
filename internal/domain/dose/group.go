package dose

import (
	"sort"
	"time"
)

// ReminderGroup is a time slot: every reminder sharing one dosage time
type ReminderGroup struct {
	DosageTime string           `json:"dosageTime"`
	Reminders  []ReminderRecord `json:"reminders"`
	Percentage float64          `json:"percentage"`
}

// GroupByDosageTime folds records into groups keyed by exact DosageTime.
// Groups and their members keep first-seen order.
func GroupByDosageTime(records []ReminderRecord) []ReminderGroup {
	var groups []ReminderGroup
	for _, rec := range records {
		idx := -1
		for i := range groups {
			if groups[i].DosageTime == rec.DosageTime {
				idx = i
				break
			}
		}
		if idx < 0 {
			groups = append(groups, ReminderGroup{DosageTime: rec.DosageTime})
			idx = len(groups) - 1
		}
		groups[idx].Reminders = append(groups[idx].Reminders, rec)
	}
	for i := range groups {
		groups[i].Recompute()
	}
	return groups
}

// CompletionPercentage is the share of completed reminders, 0 when empty.
// Not Required counts against completion.
func CompletionPercentage(records []ReminderRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	completed := 0
	for _, rec := range records {
		if rec.DoseStatus == StatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(records)) * 100
}

// Recompute refreshes Percentage from current membership
func (g *ReminderGroup) Recompute() {
	g.Percentage = CompletionPercentage(g.Reminders)
}

// Find returns the index of the reminder with id, or -1
func (g *ReminderGroup) Find(id int64) int {
	for i := range g.Reminders {
		if g.Reminders[i].ID == id {
			return i
		}
	}
	return -1
}

// SortGroups orders groups by parsed dosage time, ascending. Keys that do not
// parse go last in their original order.
func SortGroups(groups []ReminderGroup) {
	keys := make(map[string]time.Time, len(groups))
	for _, g := range groups {
		if t, ok := parseTimestamp(g.DosageTime); ok {
			keys[g.DosageTime] = t
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		ti, iok := keys[groups[i].DosageTime]
		tj, jok := keys[groups[j].DosageTime]
		switch {
		case iok && jok:
			return ti.Before(tj)
		case iok:
			return true
		default:
			return false
		}
	})
}
