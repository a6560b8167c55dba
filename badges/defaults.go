package badges

import "github.com/warp/rebound-engine/entitlement"

// DefaultBadges is the built-in threshold table.
func DefaultBadges() []Badge {
	return []Badge{
		{
			ID: "first-ritual", Title: "First Step", Description: "Complete your first daily ritual",
			Category: "rituals", XPReward: 10, BytesReward: 5,
			MinTier: entitlement.TierFree, DisplayTier: entitlement.TierFree, Code: "RIT-1",
			Criterion: Criterion{Metric: "rituals_completed", Threshold: 1},
		},
		{
			ID: "ritual-regular", Title: "Regular", Description: "Complete ten daily rituals",
			Category: "rituals", XPReward: 50, BytesReward: 20,
			MinTier: entitlement.TierFree, DisplayTier: entitlement.TierFree, Code: "RIT-10",
			Criterion: Criterion{Metric: "rituals_completed", Threshold: 10},
		},
		{
			ID: "streak-3", Title: "Three in a Row", Description: "Keep a three day ritual streak",
			Category: "streaks", XPReward: 30, BytesReward: 10,
			MinTier: entitlement.TierFree, DisplayTier: entitlement.TierFree, Code: "STR-3",
			Criterion: Criterion{Metric: "streak_days", Threshold: 3},
		},
		{
			ID: "streak-7", Title: "One Week Strong", Description: "Keep a seven day ritual streak",
			Category: "streaks", XPReward: 75, BytesReward: 25,
			MinTier: entitlement.TierFree, DisplayTier: entitlement.TierFree, Code: "STR-7",
			Criterion: Criterion{Metric: "streak_days", Threshold: 7},
		},
		{
			ID: "streak-30", Title: "New Chapter", Description: "Keep a thirty day ritual streak",
			Category: "streaks", XPReward: 300, BytesReward: 100,
			MinTier: entitlement.TierPremium, DisplayTier: entitlement.TierFree, Code: "STR-30",
			Criterion: Criterion{Metric: "streak_days", Threshold: 30},
		},
		{
			ID: "wall-voice", Title: "Found Your Voice", Description: "Interact with the wall five times",
			Category: "community", XPReward: 20, BytesReward: 10,
			MinTier: entitlement.TierFree, DisplayTier: entitlement.TierFree, Code: "WAL-5",
			Criterion: Criterion{Metric: "wall_interactions", Threshold: 5},
		},
		{
			ID: "journal-keeper", Title: "Journal Keeper", Description: "Write twenty journal entries",
			Category: "reflection", XPReward: 60, BytesReward: 25,
			MinTier: entitlement.TierPremium, DisplayTier: entitlement.TierPremium, Code: "JRN-20",
			Criterion: Criterion{Metric: "journal_entries", Threshold: 20},
		},
		{
			ID: "no-contact-14", Title: "Two Weeks Clear", Description: "Check in no-contact on fourteen days",
			Category: "boundaries", XPReward: 80, BytesReward: 30,
			MinTier: entitlement.TierFree, DisplayTier: entitlement.TierFree, Code: "NC-14",
			Criterion: Criterion{Metric: "no_contact_days", Threshold: 14},
		},
		{
			ID: "anxious-anchor", Title: "Anchor", Description: "Ground yourself through seven rituals",
			Category: "archetype", XPReward: 40, BytesReward: 15,
			MinTier: entitlement.TierPremium, DisplayTier: entitlement.TierPremium, Archetype: "anxious", Code: "ARC-ANX",
			Criterion: Criterion{Metric: "rituals_completed", Threshold: 7},
		},
	}
}
