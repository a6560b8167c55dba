package badges_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/guidance"
	"github.com/warp/rebound-engine/notify"
	"github.com/warp/rebound-engine/store/sqlstore"
)

var (
	ctx   = context.Background()
	today = time.Date(2025, 3, 20, 18, 0, 0, 0, time.UTC)
)

type fixture struct {
	store     *sqlstore.Store
	ledger    *economy.Service
	evaluator *badges.Evaluator
	events    *notify.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlstore.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	resolver := entitlement.MustResolver(entitlement.DefaultFeatures())
	rules, err := economy.NewRuleTable(economy.DefaultRules())
	require.NoError(t, err)
	catalog, err := economy.NewCatalog(economy.DefaultCatalog(), resolver)
	require.NoError(t, err)
	ledger := economy.NewService(s, rules, catalog, resolver)

	rec := &notify.Recorder{}
	ev, err := badges.NewEvaluator(s, ledger, badges.DefaultBadges(), rec, nil)
	require.NoError(t, err)
	return &fixture{store: s, ledger: ledger, evaluator: ev, events: rec}
}

func (f *fixture) user(t *testing.T, id string, tier entitlement.Tier, archetype guidance.Archetype) generic.EntityID {
	t.Helper()
	require.NoError(t, f.store.CreateUser(ctx, accounts.User{
		ID: generic.EntityID(id), Email: id + "@example.com", PasswordHash: "x",
		Tier: tier, Archetype: archetype, EnrolledAt: today.AddDate(0, 0, -30),
		CreatedAt: today, UpdatedAt: today,
	}))
	return generic.EntityID(id)
}

func (f *fixture) rituals(t *testing.T, user generic.EntityID, days int) {
	t.Helper()
	for i := days - 1; i >= 0; i-- {
		at := today.AddDate(0, 0, -i)
		_, err := f.store.RecordActivity(ctx, accounts.ActivityRecord{
			UserID: user, Activity: "daily_ritual", IdempotencyKey: string(user) + at.Format("2006-01-02"),
			CreditStatus: accounts.StatusCredited, OccurredAt: at,
		})
		require.NoError(t, err)
	}
}

func ids(bs []badges.Badge) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

// =============================================================================
// UNLOCKS
// =============================================================================

func TestEvaluate_FirstRitualUnlocksOnce(t *testing.T) {
	// GIVEN: a user with one completed ritual
	f := setup(t)
	u := f.user(t, "u1", entitlement.TierFree, "")
	f.rituals(t, u, 1)

	// WHEN: evaluating twice
	first, err := f.evaluator.Evaluate(ctx, u, today)
	require.NoError(t, err)
	second, err := f.evaluator.Evaluate(ctx, u, today)
	require.NoError(t, err)

	// THEN: unlocked once, rewarded once, notified once
	assert.Equal(t, []string{"first-ritual"}, ids(first))
	assert.Empty(t, second)

	bytes, err := f.ledger.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bytes.Int())
	xp, err := f.ledger.XP(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(10), xp.Int())

	held, err := f.evaluator.Held(ctx, u)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "first-ritual", held[0].BadgeID)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventBadgeUnlocked, events[0].Type)
	assert.Equal(t, "first-ritual", events[0].Payload["badge_id"])
}

func TestEvaluate_BadgeRewardsIgnoreEarningCaps(t *testing.T) {
	f := setup(t)
	u := f.user(t, "u1", entitlement.TierFree, "")
	f.rituals(t, u, 7)

	unlocked, err := f.evaluator.Evaluate(ctx, u, today)
	require.NoError(t, err)
	assert.Equal(t, []string{"first-ritual", "streak-3", "streak-7"}, ids(unlocked))

	// 5 + 10 + 25, all as rewards
	bytes, err := f.ledger.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(40), bytes.Int())
	sum, err := f.ledger.Summary(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(115), sum.XP.Int())

	_, err = f.ledger.Verify(ctx, u)
	assert.NoError(t, err)
}

func TestEvaluate_TierAndArchetypeScopes(t *testing.T) {
	// GIVEN: an anxious free user with seven rituals
	f := setup(t)
	u := f.user(t, "u1", entitlement.TierFree, "anxious")
	f.rituals(t, u, 7)

	// WHEN: evaluated on free
	unlocked, err := f.evaluator.Evaluate(ctx, u, today)
	require.NoError(t, err)

	// THEN: the premium archetype badge is withheld
	assert.NotContains(t, ids(unlocked), "anxious-anchor")

	// WHEN: upgraded and re-evaluated
	require.NoError(t, f.store.SetTier(ctx, u, entitlement.TierPremium, today))
	unlocked, err = f.evaluator.Evaluate(ctx, u, today)
	require.NoError(t, err)

	// THEN: only the newly eligible badge unlocks
	assert.Equal(t, []string{"anxious-anchor"}, ids(unlocked))

	// A premium user with another archetype never gets it
	other := f.user(t, "u2", entitlement.TierPremium, "secure")
	f.rituals(t, other, 7)
	unlocked, err = f.evaluator.Evaluate(ctx, other, today)
	require.NoError(t, err)
	assert.NotContains(t, ids(unlocked), "anxious-anchor")
}

func TestEvaluate_BrokenStreakDoesNotCount(t *testing.T) {
	f := setup(t)
	u := f.user(t, "u1", entitlement.TierFree, "")
	f.rituals(t, u, 3)

	// Three consecutive rituals, but the last one was a week ago.
	unlocked, err := f.evaluator.Evaluate(ctx, u, today.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Equal(t, []string{"first-ritual"}, ids(unlocked))
}

func TestEvaluate_ConcurrentCallsUnlockOnce(t *testing.T) {
	f := setup(t)
	u := f.user(t, "u1", entitlement.TierFree, "")
	f.rituals(t, u, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.evaluator.Evaluate(ctx, u, today)
		}()
	}
	wg.Wait()

	held, err := f.evaluator.Held(ctx, u)
	require.NoError(t, err)
	assert.Len(t, held, 1)
	bytes, err := f.ledger.Balance(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bytes.Int())
	assert.Len(t, f.events.Events(), 1)
}

// =============================================================================
// ATOMICITY
// =============================================================================

var errDiskFull = errors.New("disk full")

// failingStore hands out scopes whose ledger appends fail, after the badge
// row has already been written in the same transaction.
type failingStore struct {
	*sqlstore.Store
}

func (f failingStore) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return f.Store.WithTx(ctx, func(s generic.Store) error {
		return fn(failingScope{Scope: s.(badges.Scope)})
	})
}

type failingScope struct {
	badges.Scope
}

func (failingScope) Append(context.Context, generic.Transaction) error { return errDiskFull }

func TestEvaluate_RewardFailureRollsBackBadge(t *testing.T) {
	// GIVEN: a store whose reward append fails
	f := setup(t)
	u := f.user(t, "u1", entitlement.TierFree, "")
	f.rituals(t, u, 1)

	broken, err := badges.NewEvaluator(failingStore{f.store}, f.ledger, badges.DefaultBadges(), f.events, nil)
	require.NoError(t, err)

	// WHEN: evaluating
	_, err = broken.Evaluate(ctx, u, today)

	// THEN: neither the badge nor its reward is visible, nothing was sent
	assert.ErrorIs(t, err, errDiskFull)
	held, err := f.evaluator.Held(ctx, u)
	require.NoError(t, err)
	assert.Empty(t, held)
	bytes, err := f.ledger.Balance(ctx, u)
	require.NoError(t, err)
	assert.True(t, bytes.IsZero())
	assert.Empty(t, f.events.Events())

	// AND: a healthy evaluation afterwards unlocks normally
	unlocked, err := f.evaluator.Evaluate(ctx, u, today)
	require.NoError(t, err)
	assert.Equal(t, []string{"first-ritual"}, ids(unlocked))
}

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_DisplayTier(t *testing.T) {
	f := setup(t)

	free := ids(f.evaluator.Catalog(entitlement.TierFree))
	premium := ids(f.evaluator.Catalog(entitlement.TierPremium))

	assert.Contains(t, free, "streak-30")
	assert.NotContains(t, free, "journal-keeper")
	assert.NotContains(t, free, "anxious-anchor")
	assert.Len(t, premium, len(badges.DefaultBadges()))

	b, ok := f.evaluator.Badge("streak-30")
	require.True(t, ok)
	assert.Equal(t, entitlement.TierPremium, b.MinTier)
	_, ok = f.evaluator.Badge("nope")
	assert.False(t, ok)
}

func TestNewEvaluator_RejectsBadCatalog(t *testing.T) {
	f := setup(t)
	good := badges.DefaultBadges()[0]

	unknownMetric := good
	unknownMetric.ID = "x"
	unknownMetric.Criterion.Metric = "hugs"
	_, err := badges.NewEvaluator(f.store, f.ledger, []badges.Badge{unknownMetric}, nil, nil)
	assert.Error(t, err)

	_, err = badges.NewEvaluator(f.store, f.ledger, []badges.Badge{good, good}, nil, nil)
	assert.Error(t, err)

	badTier := good
	badTier.MinTier = "platinum"
	_, err = badges.NewEvaluator(f.store, f.ledger, []badges.Badge{badTier}, nil, nil)
	assert.ErrorIs(t, err, generic.ErrUnknownTier)
}
