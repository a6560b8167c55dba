package entitlement_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
)

func newResolver(t *testing.T) *entitlement.Resolver {
	r, err := entitlement.NewResolver(entitlement.DefaultFeatures())
	require.NoError(t, err)
	return r
}

func TestResolve_Deterministic(t *testing.T) {
	r := newResolver(t)

	first, err := r.Resolve(entitlement.TierFree, entitlement.FeatureAITherapy)
	require.NoError(t, err)
	second, err := r.Resolve(entitlement.TierFree, entitlement.FeatureAITherapy)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, first.Allowed)
	assert.Equal(t, entitlement.ReasonTierTooLow, first.Reason)
	assert.Equal(t, entitlement.TierPremium, first.Required)
}

func TestResolve_OneAboveAllowedOneBelowDenied(t *testing.T) {
	// GIVEN: every feature whose minimum tier has neighbours
	// THEN: one rank above the minimum is allowed, one rank below is denied
	r := newResolver(t)

	for feature, min := range entitlement.DefaultFeatures() {
		rank := min.Rank()
		if rank+1 < len(entitlement.Tiers) {
			d, err := r.Resolve(entitlement.Tiers[rank+1], feature)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "%s above %s", feature, min)
		}
		if rank-1 >= 0 {
			d, err := r.Resolve(entitlement.Tiers[rank-1], feature)
			require.NoError(t, err)
			assert.False(t, d.Allowed, "%s below %s", feature, min)
		}
		d, err := r.Resolve(min, feature)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "%s at %s", feature, min)
	}
}

func TestResolve_UnknownFeatureFailsLoudly(t *testing.T) {
	r := newResolver(t)

	_, err := r.Resolve(entitlement.TierElite, entitlement.Feature("ai-theraphy"))
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrUnknownFeature)
	assert.True(t, generic.IsConfigError(err))

	var keyErr *generic.UnknownKeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "ai-theraphy", keyErr.Key)
}

func TestResolve_UnknownTier(t *testing.T) {
	r := newResolver(t)

	_, err := r.Resolve(entitlement.Tier("platinum"), entitlement.FeatureWallRead)
	assert.ErrorIs(t, err, generic.ErrUnknownTier)
}

func TestRequire_DenialWrapsNotEntitled(t *testing.T) {
	r := newResolver(t)

	err := r.Require(entitlement.TierPremium, entitlement.FeatureDataExport)
	assert.ErrorIs(t, err, generic.ErrNotEntitled)
	assert.NoError(t, r.Require(entitlement.TierElite, entitlement.FeatureDataExport))
}

func TestMatrix_SortedAndComplete(t *testing.T) {
	r := newResolver(t)

	m, err := r.Matrix(entitlement.TierPremium)
	require.NoError(t, err)
	require.Len(t, m, len(entitlement.DefaultFeatures()))
	for i := 1; i < len(m); i++ {
		assert.Less(t, string(m[i-1].Feature), string(m[i].Feature))
	}
}

func TestNewResolver_RejectsUnknownMinimumTier(t *testing.T) {
	_, err := entitlement.NewResolver(map[entitlement.Feature]entitlement.Tier{
		entitlement.FeatureAITherapy: "gold",
	})
	assert.ErrorIs(t, err, generic.ErrUnknownTier)
}

func TestParseTier(t *testing.T) {
	tier, err := entitlement.ParseTier(" Premium ")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPremium, tier)

	_, err = entitlement.ParseTier("vip")
	assert.ErrorIs(t, err, generic.ErrUnknownTier)
}
