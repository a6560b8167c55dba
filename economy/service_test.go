package economy_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/generic/store"
)

var (
	ctx   = context.Background()
	user  = generic.EntityID("user-1")
	today = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
)

func newService(t *testing.T, rules []economy.EarningRule) (*economy.Service, *store.TxMemory) {
	t.Helper()
	resolver := entitlement.MustResolver(entitlement.DefaultFeatures())
	table, err := economy.NewRuleTable(rules)
	require.NoError(t, err)
	catalog, err := economy.NewCatalog(economy.DefaultCatalog(), resolver)
	require.NoError(t, err)

	mem := store.NewTxMemory()
	svc := economy.NewService(mem, table, catalog, resolver, economy.WithClock(func() time.Time { return today }))
	return svc, mem
}

func ritual(key string) economy.CreditRequest {
	return economy.CreditRequest{UserID: user, Activity: economy.ActivityDailyRitual, OccurredAt: today, IdempotencyKey: key}
}

func bytes(n int64) generic.Amount { return generic.NewAmount(n, generic.UnitBytes) }

// =============================================================================
// CREDIT
// =============================================================================

func TestCredit_DailyCap(t *testing.T) {
	// GIVEN: daily_ritual rewards 8 with a daily cap of 2
	svc, mem := newService(t, economy.DefaultRules())

	// WHEN: three completions on the same day
	r1, err := svc.Credit(ctx, ritual("r1"))
	require.NoError(t, err)
	r2, err := svc.Credit(ctx, ritual("r2"))
	require.NoError(t, err)
	_, err = svc.Credit(ctx, ritual("r3"))

	// THEN: two full credits, the third is refused
	assert.True(t, r1.Credited.Equal(bytes(8)))
	assert.True(t, r2.Balance.Equal(bytes(16)))
	require.ErrorIs(t, err, generic.ErrDailyCapReached)

	var capErr *generic.CapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "day", capErr.Window)
	assert.Equal(t, int64(2), capErr.Used)

	txs, _ := mem.Load(ctx, user)
	assert.Len(t, txs, 2)
	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(16)))
}

func TestCredit_DailyCapResetsNextDay(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())

	for i, key := range []string{"a", "b"} {
		_, err := svc.Credit(ctx, ritual(key))
		require.NoError(t, err, "credit %d", i)
	}

	tomorrow := ritual("c")
	tomorrow.OccurredAt = today.AddDate(0, 0, 1)
	res, err := svc.Credit(ctx, tomorrow)
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(bytes(24)))
}

func TestCredit_MonthlyClamp(t *testing.T) {
	// GIVEN: reward 100, monthly cap 1000, 950 already earned this month
	svc, mem := newService(t, []economy.EarningRule{
		{Activity: economy.ActivityDailyRitual, Reward: 100, MonthlyCap: 1000, Active: true},
	})
	require.NoError(t, mem.Append(ctx, generic.Transaction{
		ID: "seed", EntityID: user, Activity: string(economy.ActivityDailyRitual),
		Type: generic.TxEarn, Delta: bytes(950), EffectiveAt: today.AddDate(0, 0, -5),
	}))

	// WHEN
	res, err := svc.Credit(ctx, ritual("clamp"))

	// THEN: exactly the remaining 50 is credited
	require.NoError(t, err)
	assert.True(t, res.Credited.Equal(bytes(50)))
	assert.True(t, res.Nominal.Equal(bytes(100)))
	assert.True(t, res.Clamped)
	assert.True(t, res.Balance.Equal(bytes(1000)))

	// AND: the next credit this month is refused
	_, err = svc.Credit(ctx, ritual("over"))
	assert.ErrorIs(t, err, generic.ErrMonthlyCapExceeded)
	assert.True(t, generic.IsCapped(err))
}

func TestCredit_MonthlyCapIgnoresPurchasedAndRewards(t *testing.T) {
	// GIVEN: a user who bought 5000 Bytes and got a badge reward
	svc, mem := newService(t, []economy.EarningRule{
		{Activity: economy.ActivityDailyRitual, Reward: 100, MonthlyCap: 1000, Active: true},
	})
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 5000, PaymentRef: "pay-1", At: today})
	require.NoError(t, err)
	require.NoError(t, mem.WithTx(ctx, func(scope generic.Store) error {
		return svc.RewardIn(ctx, scope, economy.RewardRequest{UserID: user, Bytes: 900, XP: 10, Source: "badge:x", Key: "badge:user-1:x", At: today})
	}))

	// WHEN: an activity is credited
	res, err := svc.Credit(ctx, ritual("k"))

	// THEN: the full reward is granted
	require.NoError(t, err)
	assert.True(t, res.Credited.Equal(bytes(100)))
	assert.False(t, res.Clamped)
}

func TestCredit_IdempotentKey(t *testing.T) {
	svc, mem := newService(t, economy.DefaultRules())

	first, err := svc.Credit(ctx, ritual("ritual:day-1"))
	require.NoError(t, err)
	second, err := svc.Credit(ctx, ritual("ritual:day-1"))
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.True(t, first.Balance.Equal(second.Balance))
	assert.True(t, first.Credited.Equal(second.Credited))

	txs, _ := mem.Load(ctx, user)
	assert.Len(t, txs, 1)
}

func TestCredit_UnknownAndInactiveActivity(t *testing.T) {
	rules := economy.DefaultRules()
	for i := range rules {
		if rules[i].Activity == economy.ActivityWallPost {
			rules[i].Active = false
		}
	}
	svc, mem := newService(t, rules)

	_, err := svc.Credit(ctx, economy.CreditRequest{UserID: user, Activity: "meditate", OccurredAt: today})
	assert.ErrorIs(t, err, generic.ErrUnknownActivity)

	_, err = svc.Credit(ctx, economy.CreditRequest{UserID: user, Activity: economy.ActivityWallPost, OccurredAt: today})
	assert.ErrorIs(t, err, generic.ErrUnknownActivity)

	txs, _ := mem.Load(ctx, user)
	assert.Empty(t, txs)
}

// =============================================================================
// DEBIT / PURCHASE
// =============================================================================

func TestDebit_InsufficientBalanceIsAllOrNothing(t *testing.T) {
	svc, mem := newService(t, economy.DefaultRules())
	_, err := svc.Credit(ctx, ritual("a"))
	require.NoError(t, err)

	_, err = svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 10, Reason: "test"})
	require.ErrorIs(t, err, generic.ErrInsufficientBalance)

	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Shortfall.Equal(bytes(2)))

	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(8)))
	txs, _ := mem.Load(ctx, user)
	assert.Len(t, txs, 1)
}

func TestDebit_RejectsNegativeCost(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())

	_, err := svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: -5})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestDebit_ZeroCostWritesNothing(t *testing.T) {
	svc, mem := newService(t, economy.DefaultRules())

	res, err := svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 0})
	require.NoError(t, err)
	assert.True(t, res.Balance.IsZero())
	txs, _ := mem.Load(ctx, user)
	assert.Empty(t, txs)
}

func TestPurchase_EntitlementCheckedBeforeDebit(t *testing.T) {
	// GIVEN: a free user with plenty of Bytes
	svc, mem := newService(t, economy.DefaultRules())
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 100, PaymentRef: "p"})
	require.NoError(t, err)

	// WHEN: buying an elite-only item
	_, err = svc.Purchase(ctx, economy.PurchaseRequest{UserID: user, Tier: entitlement.TierFree, ItemID: "voice-journal-minutes", IdempotencyKey: "buy-1"})

	// THEN: refused and nothing spent
	assert.ErrorIs(t, err, generic.ErrNotEntitled)
	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(100)))
	txs, _ := mem.Load(ctx, user)
	assert.Len(t, txs, 1)
}

func TestPurchase_IdempotentAndUnknownItem(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 100, PaymentRef: "p"})
	require.NoError(t, err)

	req := economy.PurchaseRequest{UserID: user, Tier: entitlement.TierFree, ItemID: "streak-freeze", IdempotencyKey: "buy-1"}
	first, err := svc.Purchase(ctx, req)
	require.NoError(t, err)
	second, err := svc.Purchase(ctx, req)
	require.NoError(t, err)

	assert.True(t, first.Balance.Equal(bytes(50)))
	assert.True(t, second.Duplicate)
	assert.True(t, second.Balance.Equal(bytes(50)))

	_, err = svc.Purchase(ctx, economy.PurchaseRequest{UserID: user, Tier: entitlement.TierElite, ItemID: "nope"})
	assert.ErrorIs(t, err, generic.ErrUnknownItem)
}

func TestPurchase_KeyReusedForOtherItemIsRefused(t *testing.T) {
	// GIVEN: wall-highlight (20) bought with key K
	svc, mem := newService(t, economy.DefaultRules())
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 100, PaymentRef: "p"})
	require.NoError(t, err)
	_, err = svc.Purchase(ctx, economy.PurchaseRequest{UserID: user, Tier: entitlement.TierFree, ItemID: "wall-highlight", IdempotencyKey: "K"})
	require.NoError(t, err)

	// WHEN: K is reused for streak-freeze (50)
	_, err = svc.Purchase(ctx, economy.PurchaseRequest{UserID: user, Tier: entitlement.TierFree, ItemID: "streak-freeze", IdempotencyKey: "K"})

	// THEN: refused, not reported as a duplicate of the first purchase
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(80)))
	txs, _ := mem.Load(ctx, user)
	assert.Len(t, txs, 2)
}

func TestPurchase_KeyOfAnotherUserIsRefused(t *testing.T) {
	// GIVEN: two users with 100 Bytes, user-1 buys with key K
	svc, _ := newService(t, economy.DefaultRules())
	other := generic.EntityID("user-2")
	for _, u := range []generic.EntityID{user, other} {
		_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: u, Amount: 100, PaymentRef: "p-" + string(u)})
		require.NoError(t, err)
	}
	_, err := svc.Purchase(ctx, economy.PurchaseRequest{UserID: user, Tier: entitlement.TierFree, ItemID: "wall-highlight", IdempotencyKey: "K"})
	require.NoError(t, err)

	// WHEN: user-2 buys the same item with K
	res, err := svc.Purchase(ctx, economy.PurchaseRequest{UserID: other, Tier: entitlement.TierFree, ItemID: "wall-highlight", IdempotencyKey: "K"})

	// THEN: no free purchase and nothing about user-1 in the answer
	require.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.Zero(t, res.Balance.Int())
	bal, _ := svc.Balance(ctx, other)
	assert.True(t, bal.Equal(bytes(100)))
}

func TestDebit_KeyReusedWithOtherCostIsRefused(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 100, PaymentRef: "p"})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 10, IdempotencyKey: "d"})
	require.NoError(t, err)
	again, err := svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 10, IdempotencyKey: "d"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, err = svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 40, IdempotencyKey: "d"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(90)))
}

func TestCredit_KeyOfAnotherUserIsRefused(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Credit(ctx, ritual("shared"))
	require.NoError(t, err)

	req := ritual("shared")
	req.UserID = "user-2"
	res, err := svc.Credit(ctx, req)

	require.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.False(t, res.Duplicate)
	bal, _ := svc.Balance(ctx, "user-2")
	assert.True(t, bal.IsZero())

	// Same user, other activity under the same key
	other := ritual("shared")
	other.Activity = economy.ActivityJournalEntry
	_, err = svc.Credit(ctx, other)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
}

func TestDeposit_PaymentRefOfAnotherUserIsRefused(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 40, PaymentRef: "pay-1"})
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, economy.DepositRequest{UserID: "user-2", Amount: 40, PaymentRef: "pay-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	_, err = svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 400, PaymentRef: "pay-1"})
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)

	bal, _ := svc.Balance(ctx, "user-2")
	assert.True(t, bal.IsZero())
}

// lateCommit hides one idempotency lookup inside a transaction, which is
// what a concurrent delivery that has not committed yet looks like to a
// Postgres reader. The unique index then catches the second insert.
type lateCommit struct {
	*store.TxMemory
	hide bool
}

func (l *lateCommit) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	return l.TxMemory.WithTx(ctx, func(scope generic.Store) error {
		return fn(&lateScope{Store: scope, parent: l})
	})
}

type lateScope struct {
	generic.Store
	parent *lateCommit
}

func (v *lateScope) FindByIdempotencyKey(ctx context.Context, key string) (*generic.Transaction, error) {
	if v.parent.hide {
		v.parent.hide = false
		return nil, nil
	}
	return v.Store.FindByIdempotencyKey(ctx, key)
}

func TestDeposit_ConcurrentRedeliveryReplays(t *testing.T) {
	// GIVEN: pay-1 committed while a second delivery had already looked
	resolver := entitlement.MustResolver(entitlement.DefaultFeatures())
	table, err := economy.NewRuleTable(economy.DefaultRules())
	require.NoError(t, err)
	catalog, err := economy.NewCatalog(economy.DefaultCatalog(), resolver)
	require.NoError(t, err)
	st := &lateCommit{TxMemory: store.NewTxMemory()}
	svc := economy.NewService(st, table, catalog, resolver)

	_, err = svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 40, PaymentRef: "pay-1"})
	require.NoError(t, err)

	// WHEN: the second delivery reaches the insert
	st.hide = true
	res, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 40, PaymentRef: "pay-1"})

	// THEN: answered as a replay, one entry
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Balance.Equal(bytes(40)))
	txs, _ := st.Load(ctx, user)
	assert.Len(t, txs, 1)
}

func TestDeposit_DuplicatePaymentRef(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())

	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 40, PaymentRef: "pay-9"})
	require.NoError(t, err)
	res, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 40, PaymentRef: "pay-9"})
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(40)))
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestInvariants_RandomSequence(t *testing.T) {
	// GIVEN: a random mix of credits across days and debits
	svc, mem := newService(t, economy.DefaultRules())
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		at := today.AddDate(0, 0, rng.Intn(40))
		if rng.Intn(3) == 0 {
			before, _ := svc.Balance(ctx, user)
			_, err := svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: int64(rng.Intn(30)), At: at})
			if err != nil {
				// THEN: a refused debit leaves the balance untouched
				require.ErrorIs(t, err, generic.ErrInsufficientBalance)
				after, _ := svc.Balance(ctx, user)
				assert.True(t, before.Equal(after))
			}
		} else {
			req := ritual("")
			req.OccurredAt = at
			_, err := svc.Credit(ctx, req)
			if err != nil {
				require.True(t, generic.IsCapped(err), "unexpected %v", err)
			}
		}

		// THEN: never negative and always the ledger sum
		bal, err := svc.Balance(ctx, user)
		require.NoError(t, err)
		require.False(t, bal.IsNegative())
		txs, _ := mem.Load(ctx, user)
		require.True(t, generic.Replay(txs, generic.UnitBytes).Equal(bal))
	}

	_, err := svc.Verify(ctx, user)
	assert.NoError(t, err)
}

func TestDebit_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: 100 Bytes and 50 concurrent debits of 7
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 100, PaymentRef: "seed"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 7}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: exactly floor(100/7) succeed
	assert.Equal(t, 14, succeeded)
	bal, _ := svc.Balance(ctx, user)
	assert.True(t, bal.Equal(bytes(2)))
}

func TestSummaryAndTransactions(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Credit(ctx, ritual("a"))
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, economy.DepositRequest{UserID: user, Amount: 30, PaymentRef: "p"})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 10, At: today.Add(time.Hour)})
	require.NoError(t, err)

	sum, err := svc.Summary(ctx, user)
	require.NoError(t, err)
	assert.True(t, sum.Bytes.Equal(bytes(28)))
	assert.True(t, sum.LifetimeEarned.Equal(bytes(8)))
	assert.True(t, sum.Purchased.Equal(bytes(30)))
	assert.True(t, sum.Spent.Equal(bytes(10)))

	txs, err := svc.Transactions(ctx, user, economy.TransactionQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, generic.TxSpend, txs[0].Type)
}

func TestTransactions_Window(t *testing.T) {
	// GIVEN: one credit on each of three days
	svc, _ := newService(t, economy.DefaultRules())
	for i, key := range []string{"d0", "d1", "d2"} {
		req := ritual(key)
		req.OccurredAt = today.AddDate(0, 0, i)
		_, err := svc.Credit(ctx, req)
		require.NoError(t, err)
	}

	// WHEN: asking for [day 1, day 2)
	day1 := generic.DayOf(today.AddDate(0, 0, 1), time.UTC)
	txs, err := svc.Transactions(ctx, user, economy.TransactionQuery{From: day1.Start, To: day1.End})
	require.NoError(t, err)

	// THEN: only the middle credit
	require.Len(t, txs, 1)
	assert.True(t, txs[0].EffectiveAt.Equal(today.AddDate(0, 0, 1)))

	// Open upper edge: day 1 onwards, newest first
	txs, err = svc.Transactions(ctx, user, economy.TransactionQuery{From: day1.Start})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].EffectiveAt.Equal(today.AddDate(0, 0, 2)))
}

func TestBalanceAt_ReplaysUpToInstant(t *testing.T) {
	svc, _ := newService(t, economy.DefaultRules())
	_, err := svc.Credit(ctx, ritual("a"))
	require.NoError(t, err)
	_, err = svc.Debit(ctx, economy.DebitRequest{UserID: user, Cost: 5, At: today.Add(2 * time.Hour)})
	require.NoError(t, err)

	before, err := svc.BalanceAt(ctx, user, today.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, before.Bytes.IsZero())

	mid, err := svc.BalanceAt(ctx, user, today.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, mid.Bytes.Equal(bytes(8)))

	after, err := svc.BalanceAt(ctx, user, today.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, after.Bytes.Equal(bytes(3)))
	assert.True(t, after.XP.IsZero())
}
