package dose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 1, 1, hour, minute, 0, 0, time.Local)
}

func TestWindowOpen_SingleTimeBoundary(t *testing.T) {
	cases := []struct {
		medicationTime string
		hour, minute   int
	}{
		{"14:30", 14, 30},
		{"08:00", 8, 0},
		{"9", 9, 0},
		{"00:00", 0, 0},
		{"23:59", 23, 59},
	}
	for _, tc := range cases {
		t.Run(tc.medicationTime, func(t *testing.T) {
			start := at(tc.hour, tc.minute)
			assert.True(t, WindowOpen(tc.medicationTime, start), "open at start")
			if tc.hour > 0 || tc.minute > 0 {
				assert.False(t, WindowOpen(tc.medicationTime, start.Add(-time.Minute)), "closed one minute before")
			}
		})
	}
}

func TestWindowOpen_RangeUsesStart(t *testing.T) {
	assert.False(t, WindowOpen("14:00 - 15:00", at(13, 59)))
	assert.True(t, WindowOpen("14:00 - 15:00", at(14, 0)))
	// past the end is still open
	assert.True(t, WindowOpen("14:00 - 15:00", at(18, 0)))
}

func TestParseWindowStart_Meridiem(t *testing.T) {
	cases := map[string]int{
		"11:30 PM":            23*60 + 30,
		"12:15 AM":            15,
		"12:00 PM":            12 * 60,
		"2:30 pm":             14*60 + 30,
		"9 AM":                9 * 60,
		"2:00 PM - 3:00 PM":   14 * 60,
		"  07:45  ":           7*60 + 45,
		"12:00 AM - 01:00 AM": 0,
	}
	for in, want := range cases {
		got, err := ParseWindowStart(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestWindowOpen_FailsOpenOnMalformedInput(t *testing.T) {
	// Malformed schedule strings must never block recording a dose.
	for _, in := range []string{"", "garbage", "25:00", "10:61", "1:2:3", " - 10:00", "ab:cd"} {
		t.Run(in, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.True(t, WindowOpen(in, at(0, 0)))
			})
			_, err := ParseWindowStarts(in)
			assert.Error(t, err)
		})
	}
}

func TestWindowOpen_MultipleWindows(t *testing.T) {
	mt := "20:00 - 21:00, 08:00 - 09:00"
	assert.False(t, WindowOpen(mt, at(7, 59)))
	assert.True(t, WindowOpen(mt, at(8, 0)))
	assert.True(t, WindowOpen(mt, at(20, 30)))

	starts, err := ParseWindowStarts(mt)
	require.NoError(t, err)
	assert.Equal(t, []int{20 * 60, 8 * 60}, starts)
}
