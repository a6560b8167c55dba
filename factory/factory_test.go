package factory

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
)

func TestEmbedded_MatchesGoDefaults(t *testing.T) {
	b := Default()
	assert.Equal(t, "embedded", b.Source)

	rules := economy.DefaultRules()
	sort.Slice(rules, func(i, j int) bool { return rules[i].Activity < rules[j].Activity })
	assert.Equal(t, rules, b.Rules.All())

	items := economy.DefaultCatalog()
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	assert.Equal(t, items, b.Catalog.All())

	assert.Equal(t, badges.DefaultBadges(), b.Badges)

	for feature, min := range entitlement.DefaultFeatures() {
		d, err := b.Resolver.Resolve(min, feature)
		require.NoError(t, err)
		assert.True(t, d.Allowed, feature)
		assert.Equal(t, min, d.Required, feature)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverrideReplacesSections(t *testing.T) {
	// GIVEN: an override that only changes the rules
	path := writeFile(t, `
rules:
  - {activity: daily_ritual, reward: 12, daily_cap: 1, active: true}
`)

	// WHEN
	b, err := Load(path)
	require.NoError(t, err)

	// THEN: rules replaced wholesale, everything else embedded
	assert.Equal(t, path, b.Source)
	rule, err := b.Rules.Rule(economy.ActivityDailyRitual)
	require.NoError(t, err)
	assert.Equal(t, int64(12), rule.Reward)
	_, err = b.Rules.Rule(economy.ActivityJournalEntry)
	assert.ErrorIs(t, err, generic.ErrUnknownActivity)
	assert.Len(t, b.Badges, len(badges.DefaultBadges()))
}

func TestLoad_RejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"typo in key", "rules:\n  - {activity: daily_ritual, reward: 8, daily_cpa: 2}\n", nil},
		{"unknown activity", "rules:\n  - {activity: yoga, reward: 8}\n", generic.ErrUnknownActivity},
		{"unknown tier", "features:\n  ai-therapy: platinum\n", generic.ErrUnknownTier},
		{"catalog feature missing", "catalog:\n  - {id: x, title: X, cost: 1, feature: teleport}\n", generic.ErrUnknownFeature},
		{"negative cost", "catalog:\n  - {id: x, title: X, cost: -1}\n", generic.ErrInvalidAmount},
		{"badge metric", "badges:\n  - {id: b, min_tier: free, display_tier: free, criterion: {metric: hugs, threshold: 1}}\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
