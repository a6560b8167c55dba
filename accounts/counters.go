package accounts

import (
	"sort"
	"time"

	"github.com/warp/rebound-engine/generic"
)

// Activity tags the counters look at. They match economy's activity set.
const (
	tagRitual       = "daily_ritual"
	tagJournal      = "journal_entry"
	tagWallPost     = "wall_post"
	tagWallReaction = "wall_reaction"
	tagNoContact    = "no_contact_checkin"
)

// Counters are derived, never stored.
type Counters struct {
	RitualsCompleted int `json:"rituals_completed"`
	StreakDays       int `json:"streak_days"`
	LongestStreak    int `json:"longest_streak"`
	WallInteractions int `json:"wall_interactions"`
	JournalEntries   int `json:"journal_entries"`
	NoContactDays    int `json:"no_contact_days"`
	BytesEarned      int `json:"bytes_earned"`
}

// Value returns the counter named by metric, and false for unknown names.
func (c Counters) Value(metric string) (int, bool) {
	switch metric {
	case "rituals_completed":
		return c.RitualsCompleted, true
	case "streak_days":
		return c.StreakDays, true
	case "longest_streak":
		return c.LongestStreak, true
	case "wall_interactions":
		return c.WallInteractions, true
	case "journal_entries":
		return c.JournalEntries, true
	case "no_contact_days":
		return c.NoContactDays, true
	case "bytes_earned":
		return c.BytesEarned, true
	}
	return 0, false
}

// Metrics lists the names accepted by Value.
func Metrics() []string {
	return []string{
		"bytes_earned", "journal_entries", "longest_streak", "no_contact_days",
		"rituals_completed", "streak_days", "wall_interactions",
	}
}

// ComputeCounters folds the activity log. The current streak counts
// consecutive calendar days with a ritual, ending today or yesterday.
// BytesEarned is left at zero; it comes from the ledger.
func ComputeCounters(recs []ActivityRecord, now time.Time, loc *time.Location) Counters {
	if loc == nil {
		loc = time.UTC
	}
	var c Counters
	ritualDays := map[time.Time]bool{}
	noContactDays := map[time.Time]bool{}

	for _, r := range recs {
		day := generic.DayOf(r.OccurredAt, loc).Start
		switch r.Activity {
		case tagRitual:
			c.RitualsCompleted++
			ritualDays[day] = true
		case tagJournal:
			c.JournalEntries++
		case tagWallPost, tagWallReaction:
			c.WallInteractions++
		case tagNoContact:
			noContactDays[day] = true
		}
	}
	c.NoContactDays = len(noContactDays)

	days := make([]time.Time, 0, len(ritualDays))
	for d := range ritualDays {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	run := 0
	for i, d := range days {
		if i > 0 && generic.DaysBetween(days[i-1], d, loc) == 1 {
			run++
		} else {
			run = 1
		}
		if run > c.LongestStreak {
			c.LongestStreak = run
		}
	}

	if len(days) > 0 {
		last := days[len(days)-1]
		gap := generic.DaysBetween(last, now, loc)
		if gap <= 1 && gap >= 0 {
			c.StreakDays = run
		}
	}
	return c
}
