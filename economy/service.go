/*
service.go - The ledger service (only writer of balances)

PURPOSE:
  Every change to a user's Bytes or XP goes through Service. Each public
  operation runs as one unit of work on the store: the read-check-write
  sequence (cap counts, balance check, append) commits or rolls back as a
  whole and is retried wholesale on serialization conflicts.

OPERATIONS:
  Credit:   Earn Bytes for an activity occurrence (caps apply)
  Debit:    Spend an exact cost, never partially
  Purchase: Catalog lookup + entitlement check + Debit
  Deposit:  Bytes bought with real money (never capped)
  Reward:   One-time badge reward in Bytes and XP (never capped)

IDEMPOTENCY:
  Callers pass a stable key per real-world event. The ledger entry is
  stored under a namespaced key ("credit:", "debit:", "deposit:") and the
  balance right after the write is kept in its metadata, so a retried
  request gets the original result back with Duplicate=true and no second
  entry is written. A key only replays for the operation that wrote it:
  another user, item, cost or amount under the same key is refused with
  ErrDuplicateIdempotencyKey.

IN-SCOPE VARIANTS:
  CreditIn / DebitIn / RewardIn run against a Store handed out by
  TxStore.WithTx so activity completion and badge evaluation can combine
  them with their own writes in a single transaction.

SEE ALSO:
  - rules.go: Earning rules and caps
  - catalog.go: Spending catalog
  - generic/ledger.go: Append-only contract, Atomically
*/
package economy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
)

const metaBalanceAfter = "balance_after"

// =============================================================================
// REQUESTS / RESULTS
// =============================================================================

type CreditRequest struct {
	UserID         generic.EntityID
	Activity       Activity
	OccurredAt     time.Time
	IdempotencyKey string
}

type CreditResult struct {
	Credited  generic.Amount `json:"credited"`
	Nominal   generic.Amount `json:"nominal"`
	Balance   generic.Amount `json:"balance"`
	Clamped   bool           `json:"clamped"`
	Duplicate bool           `json:"duplicate"`
}

type DebitRequest struct {
	UserID         generic.EntityID
	Cost           int64
	Reason         string
	ReferenceID    string
	IdempotencyKey string
	At             time.Time
}

type DebitResult struct {
	Debited   generic.Amount `json:"debited"`
	Balance   generic.Amount `json:"balance"`
	Duplicate bool           `json:"duplicate"`
}

type PurchaseRequest struct {
	UserID         generic.EntityID
	Tier           entitlement.Tier
	ItemID         string
	IdempotencyKey string
}

type PurchaseResult struct {
	Item CatalogItem `json:"item"`
	DebitResult
}

type DepositRequest struct {
	UserID     generic.EntityID
	Amount     int64
	PaymentRef string
	At         time.Time
}

type RewardRequest struct {
	UserID generic.EntityID
	Bytes  int64
	XP     int64
	Source string // e.g. "badge:streak-7"
	Key    string
	At     time.Time
}

// Summary is the read model for a user's balances.
type Summary struct {
	Bytes          generic.Amount `json:"bytes"`
	XP             generic.Amount `json:"xp"`
	LifetimeEarned generic.Amount `json:"lifetime_earned"`
	Purchased      generic.Amount `json:"purchased"`
	Spent          generic.Amount `json:"spent"`
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    generic.TxStore
	rules    *RuleTable
	catalog  *Catalog
	resolver *entitlement.Resolver
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Service)

// WithLocation sets the timezone that defines calendar days and months.
func WithLocation(loc *time.Location) Option { return func(s *Service) { s.loc = loc } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

func NewService(store generic.TxStore, rules *RuleTable, catalog *Catalog, resolver *entitlement.Resolver, opts ...Option) *Service {
	s := &Service{
		store:    store,
		rules:    rules,
		catalog:  catalog,
		resolver: resolver,
		loc:      time.UTC,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Rules() *RuleTable        { return s.rules }
func (s *Service) Catalog() *Catalog        { return s.catalog }
func (s *Service) Location() *time.Location { return s.loc }

// =============================================================================
// CREDIT
// =============================================================================

// Credit earns Bytes for one activity occurrence.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (CreditResult, error) {
	var res CreditResult
	err := generic.Atomically(ctx, s.store, func(scope generic.Store) error {
		var err error
		res, err = s.CreditIn(ctx, scope, req)
		return err
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		// Lost a race with a concurrent request carrying the same key.
		prev, perr := s.previousCredit(ctx, s.store, req)
		if errors.Is(perr, errNoPrevious) {
			return CreditResult{}, err
		}
		return prev, perr
	}
	if err != nil {
		return CreditResult{}, err
	}
	s.log.Debug("credit",
		zap.String("user_id", string(req.UserID)),
		zap.String("activity", string(req.Activity)),
		zap.String("credited", res.Credited.Value.String()),
		zap.Bool("duplicate", res.Duplicate))
	return res, nil
}

// CreditIn runs Credit inside a caller-owned unit of work.
func (s *Service) CreditIn(ctx context.Context, scope generic.Store, req CreditRequest) (CreditResult, error) {
	rule, err := s.rules.Rule(req.Activity)
	if err != nil {
		return CreditResult{}, err
	}

	if req.IdempotencyKey != "" {
		prev, err := s.previousCredit(ctx, scope, req)
		if err == nil {
			return prev, nil
		}
		if !errors.Is(err, errNoPrevious) {
			return CreditResult{}, err
		}
	}

	if err := generic.Lock(ctx, scope, req.UserID); err != nil {
		return CreditResult{}, err
	}

	at := req.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	nominal := generic.NewAmount(rule.Reward, generic.UnitBytes)
	amount := nominal

	if rule.DailyCap > 0 {
		day := generic.DayOf(at, s.loc)
		totals, err := scope.Totals(ctx, req.UserID, string(req.Activity), generic.TxEarn, generic.UnitBytes, day.Start, day.End)
		if err != nil {
			return CreditResult{}, err
		}
		if totals.Count >= rule.DailyCap {
			return CreditResult{}, &generic.CapError{
				EntityID: req.UserID, Activity: string(req.Activity), Window: "day",
				Limit: int64(rule.DailyCap), Used: int64(totals.Count), Since: day.Start,
			}
		}
	}

	clamped := false
	if rule.MonthlyCap > 0 {
		month := generic.MonthOf(at, s.loc)
		totals, err := scope.Totals(ctx, req.UserID, string(req.Activity), generic.TxEarn, generic.UnitBytes, month.Start, month.End)
		if err != nil {
			return CreditResult{}, err
		}
		headroom := generic.NewAmount(rule.MonthlyCap, generic.UnitBytes).Sub(totals.Total)
		if !headroom.IsPositive() {
			return CreditResult{}, &generic.CapError{
				EntityID: req.UserID, Activity: string(req.Activity), Window: "month",
				Limit: rule.MonthlyCap, Used: totals.Total.Int(), Since: month.Start,
			}
		}
		if headroom.LessThan(amount) {
			amount = headroom
			clamped = true
		}
	}

	balance, err := scope.Balance(ctx, req.UserID, generic.UnitBytes)
	if err != nil {
		return CreditResult{}, err
	}
	after := balance.Add(amount)

	tx := generic.Transaction{
		ID:             generic.TransactionID(uuid.NewString()),
		EntityID:       req.UserID,
		Activity:       string(req.Activity),
		Type:           generic.TxEarn,
		Delta:          amount,
		EffectiveAt:    at,
		Reason:         "activity",
		IdempotencyKey: namespaced("credit", req.IdempotencyKey),
		Metadata: map[string]string{
			metaBalanceAfter: after.Value.String(),
			"nominal":        nominal.Value.String(),
		},
	}
	if err := scope.Append(ctx, tx); err != nil {
		return CreditResult{}, fmt.Errorf("append credit: %w", err)
	}

	return CreditResult{Credited: amount, Nominal: nominal, Balance: after, Clamped: clamped}, nil
}

var errNoPrevious = errors.New("no previous entry")

// keyConflict reports a key that was written by a different operation.
func keyConflict(key, format string, args ...any) error {
	return fmt.Errorf("%w: %q %s", generic.ErrDuplicateIdempotencyKey, key, fmt.Sprintf(format, args...))
}

// previousCredit finds the entry written for req's key. An empty
// req.Activity matches any activity.
func (s *Service) previousCredit(ctx context.Context, store generic.Store, req CreditRequest) (CreditResult, error) {
	prev, err := store.FindByIdempotencyKey(ctx, namespaced("credit", req.IdempotencyKey))
	if err != nil {
		return CreditResult{}, err
	}
	if prev == nil {
		return CreditResult{}, errNoPrevious
	}
	if prev.EntityID != req.UserID {
		return CreditResult{}, keyConflict(req.IdempotencyKey, "belongs to another user")
	}
	if req.Activity != "" && prev.Activity != string(req.Activity) {
		return CreditResult{}, keyConflict(req.IdempotencyKey, "was used for %s", prev.Activity)
	}
	nominal := generic.NewAmount(0, generic.UnitBytes)
	if v, ok := prev.Metadata["nominal"]; ok {
		nominal = generic.ParseAmount(v, generic.UnitBytes)
	}
	return CreditResult{
		Credited:  prev.Delta,
		Nominal:   nominal,
		Balance:   balanceAfter(prev),
		Clamped:   prev.Delta.LessThan(nominal),
		Duplicate: true,
	}, nil
}

// CreditFor returns the credit previously written for userID under key. ok
// is false when the key never produced a ledger entry (capped or never seen).
func (s *Service) CreditFor(ctx context.Context, store generic.Store, userID generic.EntityID, key string) (res CreditResult, ok bool, err error) {
	if key == "" {
		return CreditResult{}, false, nil
	}
	res, err = s.previousCredit(ctx, store, CreditRequest{UserID: userID, IdempotencyKey: key})
	if errors.Is(err, errNoPrevious) {
		return CreditResult{}, false, nil
	}
	if err != nil {
		return CreditResult{}, false, err
	}
	return res, true, nil
}

// =============================================================================
// DEBIT / PURCHASE
// =============================================================================

// Debit spends exactly req.Cost Bytes or nothing at all.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	var res DebitResult
	err := generic.Atomically(ctx, s.store, func(scope generic.Store) error {
		var err error
		res, err = s.DebitIn(ctx, scope, req)
		return err
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		prev, perr := s.previousDebit(ctx, s.store, req)
		if errors.Is(perr, errNoPrevious) {
			return DebitResult{}, err
		}
		return prev, perr
	}
	return res, err
}

func (s *Service) DebitIn(ctx context.Context, scope generic.Store, req DebitRequest) (DebitResult, error) {
	if req.Cost < 0 {
		return DebitResult{}, fmt.Errorf("%w: cost %d", generic.ErrInvalidAmount, req.Cost)
	}
	if req.IdempotencyKey != "" {
		prev, err := s.previousDebit(ctx, scope, req)
		if err == nil {
			return prev, nil
		}
		if !errors.Is(err, errNoPrevious) {
			return DebitResult{}, err
		}
	}

	if err := generic.Lock(ctx, scope, req.UserID); err != nil {
		return DebitResult{}, err
	}

	cost := generic.NewAmount(req.Cost, generic.UnitBytes)
	balance, err := scope.Balance(ctx, req.UserID, generic.UnitBytes)
	if err != nil {
		return DebitResult{}, err
	}
	if balance.LessThan(cost) {
		return DebitResult{}, &generic.InsufficientBalanceError{
			EntityID:  req.UserID,
			Available: balance,
			Requested: cost,
			Shortfall: cost.Sub(balance),
		}
	}
	if cost.IsZero() {
		return DebitResult{Debited: cost, Balance: balance}, nil
	}

	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	after := balance.Sub(cost)
	tx := generic.Transaction{
		ID:             generic.TransactionID(uuid.NewString()),
		EntityID:       req.UserID,
		Activity:       "spend",
		Type:           generic.TxSpend,
		Delta:          cost.Neg(),
		EffectiveAt:    at,
		ReferenceID:    req.ReferenceID,
		Reason:         req.Reason,
		IdempotencyKey: namespaced("debit", req.IdempotencyKey),
		Metadata:       map[string]string{metaBalanceAfter: after.Value.String()},
	}
	if err := scope.Append(ctx, tx); err != nil {
		if errors.Is(err, generic.ErrInsufficientBalance) {
			return DebitResult{}, &generic.InsufficientBalanceError{
				EntityID: req.UserID, Available: balance, Requested: cost, Shortfall: cost.Sub(balance),
			}
		}
		return DebitResult{}, fmt.Errorf("append debit: %w", err)
	}
	return DebitResult{Debited: cost, Balance: after}, nil
}

func (s *Service) previousDebit(ctx context.Context, store generic.Store, req DebitRequest) (DebitResult, error) {
	prev, err := store.FindByIdempotencyKey(ctx, namespaced("debit", req.IdempotencyKey))
	if err != nil {
		return DebitResult{}, err
	}
	if prev == nil {
		return DebitResult{}, errNoPrevious
	}
	switch debited := prev.Delta.Neg(); {
	case prev.EntityID != req.UserID:
		return DebitResult{}, keyConflict(req.IdempotencyKey, "belongs to another user")
	case prev.ReferenceID != req.ReferenceID:
		return DebitResult{}, keyConflict(req.IdempotencyKey, "was used for %q", prev.ReferenceID)
	case debited.Int() != req.Cost:
		return DebitResult{}, keyConflict(req.IdempotencyKey, "was used for a debit of %d", debited.Int())
	default:
		return DebitResult{Debited: debited, Balance: balanceAfter(prev), Duplicate: true}, nil
	}
}

// Purchase buys a catalog item. The entitlement check runs before any
// Bytes move; a denied purchase writes nothing.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	item, err := s.catalog.Item(req.ItemID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if item.Feature != "" {
		if err := s.resolver.Require(req.Tier, item.Feature); err != nil {
			return PurchaseResult{}, err
		}
	}

	res, err := s.Debit(ctx, DebitRequest{
		UserID:         req.UserID,
		Cost:           item.Cost,
		Reason:         "purchase",
		ReferenceID:    item.ID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	s.log.Info("purchase",
		zap.String("user_id", string(req.UserID)),
		zap.String("item", item.ID),
		zap.Int64("cost", item.Cost),
		zap.Bool("duplicate", res.Duplicate))
	return PurchaseResult{Item: item, DebitResult: res}, nil
}

// =============================================================================
// DEPOSIT / REWARD - Uncapped credits
// =============================================================================

// Deposit records Bytes bought with real money. Earning caps never apply.
// The payment reference is the idempotency key, so a redelivered payment
// event answers with the first result.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (CreditResult, error) {
	if req.Amount <= 0 {
		return CreditResult{}, fmt.Errorf("%w: deposit %d", generic.ErrInvalidAmount, req.Amount)
	}

	var res CreditResult
	err := generic.Atomically(ctx, s.store, func(scope generic.Store) error {
		var err error
		res, err = s.depositIn(ctx, scope, req)
		return err
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		// A concurrent delivery of the same payment committed first.
		prev, perr := s.previousDeposit(ctx, s.store, req)
		if errors.Is(perr, errNoPrevious) {
			return CreditResult{}, err
		}
		return prev, perr
	}
	return res, err
}

func (s *Service) depositIn(ctx context.Context, scope generic.Store, req DepositRequest) (CreditResult, error) {
	if req.PaymentRef != "" {
		prev, err := s.previousDeposit(ctx, scope, req)
		if err == nil {
			return prev, nil
		}
		if !errors.Is(err, errNoPrevious) {
			return CreditResult{}, err
		}
	}
	if err := generic.Lock(ctx, scope, req.UserID); err != nil {
		return CreditResult{}, err
	}
	balance, err := scope.Balance(ctx, req.UserID, generic.UnitBytes)
	if err != nil {
		return CreditResult{}, err
	}
	amount := generic.NewAmount(req.Amount, generic.UnitBytes)
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	after := balance.Add(amount)
	err = scope.Append(ctx, generic.Transaction{
		ID:             generic.TransactionID(uuid.NewString()),
		EntityID:       req.UserID,
		Activity:       "purchase",
		Type:           generic.TxPurchase,
		Delta:          amount,
		EffectiveAt:    at,
		ReferenceID:    req.PaymentRef,
		Reason:         "bytes purchased",
		IdempotencyKey: namespaced("deposit", req.PaymentRef),
		Metadata:       map[string]string{metaBalanceAfter: after.Value.String()},
	})
	if err != nil {
		return CreditResult{}, fmt.Errorf("append deposit: %w", err)
	}
	return CreditResult{Credited: amount, Nominal: amount, Balance: after}, nil
}

func (s *Service) previousDeposit(ctx context.Context, store generic.Store, req DepositRequest) (CreditResult, error) {
	prev, err := store.FindByIdempotencyKey(ctx, namespaced("deposit", req.PaymentRef))
	if err != nil {
		return CreditResult{}, err
	}
	if prev == nil {
		return CreditResult{}, errNoPrevious
	}
	if prev.EntityID != req.UserID {
		return CreditResult{}, keyConflict(req.PaymentRef, "belongs to another user")
	}
	if prev.Delta.Int() != req.Amount {
		return CreditResult{}, keyConflict(req.PaymentRef, "was a deposit of %d", prev.Delta.Int())
	}
	return CreditResult{Credited: prev.Delta, Nominal: prev.Delta, Balance: balanceAfter(prev), Duplicate: true}, nil
}

// RewardIn appends a one-time reward in Bytes and XP inside scope.
// Zero components write nothing.
func (s *Service) RewardIn(ctx context.Context, scope generic.Store, req RewardRequest) error {
	if req.Bytes < 0 || req.XP < 0 {
		return fmt.Errorf("%w: reward bytes=%d xp=%d", generic.ErrInvalidAmount, req.Bytes, req.XP)
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	parts := []struct {
		value int64
		unit  generic.Unit
	}{
		{req.Bytes, generic.UnitBytes},
		{req.XP, generic.UnitXP},
	}
	for _, p := range parts {
		if p.value == 0 {
			continue
		}
		err := scope.Append(ctx, generic.Transaction{
			ID:             generic.TransactionID(uuid.NewString()),
			EntityID:       req.UserID,
			Activity:       req.Source,
			Type:           generic.TxReward,
			Delta:          generic.NewAmount(p.value, p.unit),
			EffectiveAt:    at,
			ReferenceID:    req.Source,
			Reason:         "reward",
			IdempotencyKey: rewardKey(req.Key, p.unit),
		})
		if err != nil {
			return fmt.Errorf("append %s reward: %w", p.unit, err)
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Balance is a pure read of the materialized Bytes balance.
func (s *Service) Balance(ctx context.Context, userID generic.EntityID) (generic.Amount, error) {
	return s.store.Balance(ctx, userID, generic.UnitBytes)
}

func (s *Service) XP(ctx context.Context, userID generic.EntityID) (generic.Amount, error) {
	return s.store.Balance(ctx, userID, generic.UnitXP)
}

// Summary aggregates the ledger for display.
func (s *Service) Summary(ctx context.Context, userID generic.EntityID) (Summary, error) {
	txs, err := s.store.Load(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Bytes:          generic.NewAmount(0, generic.UnitBytes),
		XP:             generic.NewAmount(0, generic.UnitXP),
		LifetimeEarned: generic.NewAmount(0, generic.UnitBytes),
		Purchased:      generic.NewAmount(0, generic.UnitBytes),
		Spent:          generic.NewAmount(0, generic.UnitBytes),
	}
	for _, tx := range txs {
		switch tx.Delta.Unit {
		case generic.UnitXP:
			sum.XP = sum.XP.Add(tx.Delta)
			continue
		case generic.UnitBytes:
			sum.Bytes = sum.Bytes.Add(tx.Delta)
		}
		switch tx.Type {
		case generic.TxEarn, generic.TxReward:
			sum.LifetimeEarned = sum.LifetimeEarned.Add(tx.Delta)
		case generic.TxPurchase:
			sum.Purchased = sum.Purchased.Add(tx.Delta)
		case generic.TxSpend:
			sum.Spent = sum.Spent.Add(tx.Delta.Neg())
		}
	}
	return sum, nil
}

// Verify replays the ledger for both units and reports divergence from
// the materialized balances.
func (s *Service) Verify(ctx context.Context, userID generic.EntityID) (Summary, error) {
	ledger := generic.NewLedger(s.store)
	bytes, err := ledger.Verify(ctx, userID, generic.UnitBytes)
	if err != nil {
		return Summary{}, err
	}
	xp, err := ledger.Verify(ctx, userID, generic.UnitXP)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Bytes: bytes, XP: xp}, nil
}

// BalanceAt replays the ledger up to and including at. Used for history
// views; the current balance is Balance.
func (s *Service) BalanceAt(ctx context.Context, userID generic.EntityID, at time.Time) (Summary, error) {
	ledger := generic.NewLedger(s.store)
	bytes, err := ledger.BalanceAt(ctx, userID, at, generic.UnitBytes)
	if err != nil {
		return Summary{}, err
	}
	xp, err := ledger.BalanceAt(ctx, userID, at, generic.UnitXP)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Bytes: bytes, XP: xp}, nil
}

// TransactionQuery narrows Transactions. A zero From or To leaves that end
// of the window open; Limit <= 0 returns every match.
type TransactionQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// openEnd stands in for an unbounded upper edge of [From, To).
var openEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Transactions returns the entries in the query window, newest first.
func (s *Service) Transactions(ctx context.Context, userID generic.EntityID, q TransactionQuery) ([]generic.Transaction, error) {
	ledger := generic.NewLedger(s.store)
	var (
		txs []generic.Transaction
		err error
	)
	if q.From.IsZero() && q.To.IsZero() {
		txs, err = ledger.Transactions(ctx, userID)
	} else {
		to := q.To
		if to.IsZero() {
			to = openEnd
		}
		txs, err = ledger.TransactionsInRange(ctx, userID, q.From, to)
	}
	if err != nil {
		return nil, err
	}
	out := make([]generic.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		out = append(out, txs[i])
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func namespaced(prefix, key string) string {
	if key == "" {
		return ""
	}
	return prefix + ":" + key
}

func rewardKey(key string, unit generic.Unit) string {
	if key == "" {
		return ""
	}
	return key + ":" + string(unit)
}

func balanceAfter(tx *generic.Transaction) generic.Amount {
	v, ok := tx.Metadata[metaBalanceAfter]
	if !ok {
		return generic.Amount{Value: decimal.Zero, Unit: tx.Delta.Unit}
	}
	return generic.ParseAmount(v, tx.Delta.Unit)
}
