/*
Package economy implements the Bytes economy: earning rules, the spending
catalog and the ledger service that is the only writer of balances.

PURPOSE:
  Users earn Bytes by completing activities (rituals, journal entries,
  wall posts) and spend them on catalog items. Earning is bounded by
  per-activity caps; spending can never overdraw the balance.

ACTIVITIES:
  Activity tags form a closed set validated at the boundary. A tag that is
  not in the set, or that has no active rule, is a configuration error
  (ErrUnknownActivity), never a silent no-op.

EARNING RULE:
  Reward:     Bytes per occurrence (>= 0)
  DailyCap:   max occurrences per calendar day (0 = none)
  MonthlyCap: max Bytes earned per calendar month (0 = none)

  The monthly cap is the hard stop. A credit that would cross it is
  clamped to the remaining headroom; with no headroom left the credit is
  refused with ErrMonthlyCapExceeded.

EXAMPLE:
  daily_ritual: reward 8, daily cap 2, monthly cap 1000

  Day 1: ritual (+8), ritual (+8), ritual (refused, daily cap)
  Month with 950 earned: ritual credits 8. At 996 earned: credits 4.

SEE ALSO:
  - catalog.go: Spending catalog
  - service.go: Credit / Debit / Purchase
  - factory/rules.go: YAML loading
*/
package economy

import (
	"fmt"
	"sort"

	"github.com/warp/rebound-engine/generic"
)

// =============================================================================
// ACTIVITIES - Closed set of earning tags
// =============================================================================

type Activity string

const (
	ActivityDailyRitual      Activity = "daily_ritual"
	ActivityJournalEntry     Activity = "journal_entry"
	ActivityWallPost         Activity = "wall_post"
	ActivityWallReaction     Activity = "wall_reaction"
	ActivityNoContactCheckin Activity = "no_contact_checkin"
	ActivityTherapySession   Activity = "therapy_session"
	ActivityProfileComplete  Activity = "profile_complete"
)

var knownActivities = map[Activity]bool{
	ActivityDailyRitual:      true,
	ActivityJournalEntry:     true,
	ActivityWallPost:         true,
	ActivityWallReaction:     true,
	ActivityNoContactCheckin: true,
	ActivityTherapySession:   true,
	ActivityProfileComplete:  true,
}

// ParseActivity validates a tag received from a client.
func ParseActivity(s string) (Activity, error) {
	a := Activity(s)
	if !knownActivities[a] {
		return "", generic.Unknown(generic.ErrUnknownActivity, s)
	}
	return a, nil
}

// Activities returns every known tag, sorted.
func Activities() []Activity {
	out := make([]Activity, 0, len(knownActivities))
	for a := range knownActivities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// EARNING RULES
// =============================================================================

type EarningRule struct {
	Activity   Activity `json:"activity" yaml:"activity"`
	Reward     int64    `json:"reward" yaml:"reward"`
	DailyCap   int      `json:"daily_cap,omitempty" yaml:"daily_cap"`
	MonthlyCap int64    `json:"monthly_cap,omitempty" yaml:"monthly_cap"`
	Active     bool     `json:"active" yaml:"active"`
}

func (r EarningRule) Validate() error {
	if !knownActivities[r.Activity] {
		return generic.Unknown(generic.ErrUnknownActivity, string(r.Activity))
	}
	if r.Reward < 0 || r.DailyCap < 0 || r.MonthlyCap < 0 {
		return fmt.Errorf("%w: rule %s has a negative value", generic.ErrInvalidAmount, r.Activity)
	}
	return nil
}

// RuleTable is immutable once built.
type RuleTable struct {
	rules map[Activity]EarningRule
}

func NewRuleTable(rules []EarningRule) (*RuleTable, error) {
	t := &RuleTable{rules: make(map[Activity]EarningRule, len(rules))}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.rules[r.Activity]; dup {
			return nil, fmt.Errorf("economy: duplicate rule for %s", r.Activity)
		}
		t.rules[r.Activity] = r
	}
	return t, nil
}

// Rule returns the active rule for activity. Missing and inactive rules
// both fail with ErrUnknownActivity.
func (t *RuleTable) Rule(activity Activity) (EarningRule, error) {
	r, ok := t.rules[activity]
	if !ok || !r.Active {
		return EarningRule{}, generic.Unknown(generic.ErrUnknownActivity, string(activity))
	}
	return r, nil
}

// All returns every rule, sorted by activity.
func (t *RuleTable) All() []EarningRule {
	out := make([]EarningRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Activity < out[j].Activity })
	return out
}

// DefaultRules is the built-in earning table.
func DefaultRules() []EarningRule {
	return []EarningRule{
		{Activity: ActivityDailyRitual, Reward: 8, DailyCap: 2, MonthlyCap: 1000, Active: true},
		{Activity: ActivityJournalEntry, Reward: 5, DailyCap: 3, MonthlyCap: 400, Active: true},
		{Activity: ActivityWallPost, Reward: 3, DailyCap: 5, MonthlyCap: 300, Active: true},
		{Activity: ActivityWallReaction, Reward: 1, DailyCap: 20, MonthlyCap: 200, Active: true},
		{Activity: ActivityNoContactCheckin, Reward: 4, DailyCap: 1, Active: true},
		{Activity: ActivityTherapySession, Reward: 6, DailyCap: 1, MonthlyCap: 150, Active: true},
		{Activity: ActivityProfileComplete, Reward: 20, DailyCap: 1, MonthlyCap: 20, Active: true},
	}
}
