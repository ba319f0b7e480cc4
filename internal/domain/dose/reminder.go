// Package dose implements medication dose scheduling and administration status.
package dose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the administration outcome of a scheduled dose
type Status int

const (
	StatusPending     Status = 0
	StatusCompleted   Status = 1
	StatusNotRequired Status = 2
)

// NotGivenSentinel is what the mobile backend sends in place of a given time
const NotGivenSentinel = "Not given yet"

// String returns the status label
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusNotRequired:
		return "not_required"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Valid reports whether s is one of the three known states
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusNotRequired
}

// Terminal reports whether no transition is defined out of s
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusNotRequired
}

// ReminderRecord is one scheduled medication administration
type ReminderRecord struct {
	ID             int64     `json:"id"`
	MedicineID     Text      `json:"medicineId"`
	MedicineName   string    `json:"medicineName"`
	MedicineType   Text      `json:"medicineType,omitempty"`
	Dosage         Text      `json:"dosage,omitempty"`
	MedicationTime string    `json:"medicationTime"`
	DosageTime     string    `json:"dosageTime"`
	DoseStatus     Status    `json:"doseStatus"`
	GivenTime      GivenTime `json:"givenTime"`
	Day            string    `json:"day"`
}

// Pending reports whether the reminder can still be acted on
func (r ReminderRecord) Pending() bool { return r.DoseStatus == StatusPending }

// Text is a display field the backend sends either as a JSON string or as a
// number, such as a dosage of 500 or a numeric medicine type code.
type Text string

// UnmarshalJSON accepts a string, a number or null
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("text: %w", err)
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("text: expected string or number, got %s", data)
	}
	*t = Text(n.String())
	return nil
}

// String returns the text
func (t Text) String() string { return string(t) }

// GivenTime is a tagged timestamp: either present with a value or absent.
// An absent value decoded from something unreadable keeps the raw input.
type GivenTime struct {
	at       time.Time
	present  bool
	unparsed string
}

// GivenAt returns a present GivenTime
func GivenAt(t time.Time) GivenTime { return GivenTime{at: t, present: true} }

// NotGiven returns an absent GivenTime
func NotGiven() GivenTime { return GivenTime{} }

// Present reports whether a timestamp is carried
func (g GivenTime) Present() bool { return g.present }

// Time returns the timestamp and whether it is present
func (g GivenTime) Time() (time.Time, bool) { return g.at, g.present }

// Unparsed returns the raw input of a value that was received but could not
// be read as a timestamp
func (g GivenTime) Unparsed() (string, bool) { return g.unparsed, g.unparsed != "" }

// Resolve returns the carried timestamp, or fallback when absent
func (g GivenTime) Resolve(fallback time.Time) time.Time {
	if g.present {
		return g.at
	}
	return fallback
}

// MarshalJSON encodes an absent value as null
func (g GivenTime) MarshalJSON() ([]byte, error) {
	if !g.present {
		return []byte("null"), nil
	}
	return json.Marshal(g.at.Format(time.RFC3339))
}

// UnmarshalJSON accepts null, "", the not-given sentinel, or a timestamp.
// Anything else decodes as absent and is kept for Unparsed; one odd value
// must not fail a whole schedule.
func (g *GivenTime) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		*g = GivenTime{unparsed: string(bytes.TrimSpace(data))}
		return nil
	}
	if s == nil || isNotGiven(*s) {
		*g = NotGiven()
		return nil
	}
	parsed, ok := ParseGivenTime(*s)
	if !ok {
		*g = GivenTime{unparsed: *s}
		return nil
	}
	*g = GivenAt(parsed)
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseGivenTime parses the timestamp shapes the backend emits
func ParseGivenTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if isNotGiven(s) {
		return time.Time{}, false
	}
	return parseTimestamp(s)
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isNotGiven(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || strings.EqualFold(s, NotGivenSentinel)
}

// DayReminders is the raw reminder list for one calendar date
type DayReminders struct {
	Day       string           `json:"day"`
	Reminders []ReminderRecord `json:"reminders"`
}
