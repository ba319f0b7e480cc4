package dose

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reminder(id int64, dosageTime string, status Status) ReminderRecord {
	return ReminderRecord{
		ID:             id,
		MedicineID:     "med-1",
		MedicineName:   "Amoxicillin",
		MedicationTime: "09:00 - 10:00",
		DosageTime:     dosageTime,
		DoseStatus:     status,
		Day:            "2024-01-01",
	}
}

func TestGroupByDosageTime_ExactKeyAndInsertionOrder(t *testing.T) {
	records := []ReminderRecord{
		reminder(1, "2024-01-01T14:00:00", StatusPending),
		reminder(2, "2024-01-01T09:00:00", StatusCompleted),
		reminder(3, "2024-01-01T14:00:00", StatusPending),
		// same instant, different string: not grouped together
		reminder(4, "2024-01-01 09:00:00", StatusPending),
		reminder(5, "2024-01-01T09:00:00", StatusPending),
	}

	groups := GroupByDosageTime(records)
	require.Len(t, groups, 3)

	assert.Equal(t, "2024-01-01T14:00:00", groups[0].DosageTime)
	assert.Equal(t, "2024-01-01T09:00:00", groups[1].DosageTime)
	assert.Equal(t, "2024-01-01 09:00:00", groups[2].DosageTime)

	assert.Equal(t, []int64{1, 3}, ids(groups[0].Reminders))
	assert.Equal(t, []int64{2, 5}, ids(groups[1].Reminders))
	assert.Equal(t, float64(50), groups[1].Percentage)
}

func TestGroupByDosageTime_Idempotent(t *testing.T) {
	records := []ReminderRecord{
		reminder(1, "2024-01-01T09:00:00", StatusPending),
		reminder(2, "2024-01-01T12:00:00", StatusCompleted),
		reminder(3, "2024-01-01T09:00:00", StatusNotRequired),
	}
	assert.Equal(t, GroupByDosageTime(records), GroupByDosageTime(records))
}

func TestGroupByDosageTime_Empty(t *testing.T) {
	assert.Empty(t, GroupByDosageTime(nil))
}

func TestCompletionPercentage(t *testing.T) {
	group := []ReminderRecord{
		reminder(1, "k", StatusCompleted),
		reminder(2, "k", StatusNotRequired),
		reminder(3, "k", StatusPending),
		reminder(4, "k", StatusPending),
	}
	assert.Equal(t, float64(25), CompletionPercentage(group))
	assert.Equal(t, float64(0), CompletionPercentage(nil))

	empty := ReminderGroup{DosageTime: "k"}
	empty.Recompute()
	assert.Equal(t, float64(0), empty.Percentage)
}

func TestSortGroups(t *testing.T) {
	groups := []ReminderGroup{
		{DosageTime: "not a time"},
		{DosageTime: "2024-01-01T18:00:00"},
		{DosageTime: "2024-01-01T06:30:00"},
		{DosageTime: "2024-01-01 12:00:00"},
	}
	SortGroups(groups)

	var keys []string
	for _, g := range groups {
		keys = append(keys, g.DosageTime)
	}
	assert.Equal(t, []string{
		"2024-01-01T06:30:00",
		"2024-01-01 12:00:00",
		"2024-01-01T18:00:00",
		"not a time",
	}, keys)
}

func TestReminderRecord_GivenTimeDecoding(t *testing.T) {
	var pending ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"doseStatus":0,"givenTime":"Not given yet"}`), &pending))
	assert.False(t, pending.GivenTime.Present())
	assert.True(t, pending.Pending())

	var missing ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":8,"doseStatus":0}`), &missing))
	assert.False(t, missing.GivenTime.Present())

	var given ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":9,"doseStatus":1,"givenTime":"2024-01-01T09:05:00Z"}`), &given))
	ts, ok := given.GivenTime.Time()
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC)))

	var odd ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":10,"doseStatus":1,"givenTime":"09:12 AM"}`), &odd))
	assert.False(t, odd.GivenTime.Present())
	raw, bad := odd.GivenTime.Unparsed()
	assert.True(t, bad)
	assert.Equal(t, "09:12 AM", raw)

	var numeric ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":11,"givenTime":1704100320}`), &numeric))
	assert.False(t, numeric.GivenTime.Present())
	_, bad = numeric.GivenTime.Unparsed()
	assert.True(t, bad)
}

func TestReminderRecord_NumericTextFields(t *testing.T) {
	var r ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"medicineId":3312,"medicineType":2,"dosage":500}`), &r))
	assert.Equal(t, Text("3312"), r.MedicineID)
	assert.Equal(t, Text("2"), r.MedicineType)
	assert.Equal(t, Text("500"), r.Dosage)

	var free ReminderRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":2,"medicineId":"m-7","dosage":"2 tablets","medicineType":null}`), &free))
	assert.Equal(t, Text("m-7"), free.MedicineID)
	assert.Equal(t, Text("2 tablets"), free.Dosage)
	assert.Equal(t, Text(""), free.MedicineType)

	out, err := json.Marshal(ReminderRecord{ID: 3, Dosage: "500"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"dosage":"500"`)

	var nested ReminderRecord
	assert.Error(t, json.Unmarshal([]byte(`{"dosage":{"mg":500}}`), &nested))
}

func ids(records []ReminderRecord) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
