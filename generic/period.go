package generic

import (
	"time"
)

// =============================================================================
// PERIOD - Half-open calendar window used for cap accounting
// =============================================================================

// Period is the window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DayOf returns the calendar day containing t in loc.
func DayOf(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Period{Start: start, End: start.AddDate(0, 0, 1)}
}

// MonthOf returns the calendar month containing t in loc.
func MonthOf(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// DaysBetween counts whole calendar days from a to b in loc.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	from := DayOf(a, loc).Start
	to := DayOf(b, loc).Start
	// Calendar dates, not durations, so DST shifts do not lose a day.
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	fu := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	tu := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(tu.Sub(fu).Hours() / 24)
}
