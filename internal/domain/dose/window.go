package dose

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const rangeDelimiter = " - "

var errMalformedTime = errors.New("malformed medication time")

// WindowOpen reports whether administration may be recorded at now for the
// given medication time. A single time, a "start - end" range, or a
// comma-separated list of either are accepted; with a list the window is open
// once any listed start has passed.
//
// Unparseable input yields true: a malformed schedule string must not lock
// staff out of recording a dose.
func WindowOpen(medicationTime string, now time.Time) bool {
	starts, err := ParseWindowStarts(medicationTime)
	if err != nil {
		return true
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	for _, start := range starts {
		if nowMinutes >= start {
			return true
		}
	}
	return false
}

// ParseWindowStarts returns the start of every window in medicationTime as
// minutes after midnight.
func ParseWindowStarts(medicationTime string) ([]int, error) {
	parts := strings.Split(medicationTime, ",")
	starts := make([]int, 0, len(parts))
	for _, part := range parts {
		start, err := ParseWindowStart(part)
		if err != nil {
			return nil, err
		}
		starts = append(starts, start)
	}
	return starts, nil
}

// ParseWindowStart parses the start of one window as minutes after midnight
func ParseWindowStart(window string) (int, error) {
	start := window
	if i := strings.Index(window, rangeDelimiter); i >= 0 {
		start = window[:i]
	}
	hour, minute, err := parseClock(start)
	if err != nil {
		return 0, err
	}
	return hour*60 + minute, nil
}

// parseClock turns "14:30", "2:30 PM" or "9" into 24-hour components
func parseClock(token string) (int, int, error) {
	upper := strings.ToUpper(token)
	pm := strings.Contains(upper, "PM")
	am := strings.Contains(upper, "AM")
	upper = strings.NewReplacer("AM", "", "PM", "", " ", "", "\t", "").Replace(upper)
	if upper == "" {
		return 0, 0, errMalformedTime
	}

	fields := strings.Split(upper, ":")
	if len(fields) > 2 {
		return 0, 0, errMalformedTime
	}
	hour, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, errMalformedTime
	}
	minute := 0
	if len(fields) == 2 {
		if minute, err = strconv.Atoi(fields[1]); err != nil {
			return 0, 0, errMalformedTime
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errMalformedTime
	}

	switch {
	case pm && hour < 12:
		hour += 12
	case am && hour == 12:
		hour = 0
	}
	return hour, minute, nil
}
