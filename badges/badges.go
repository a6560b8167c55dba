/*
Package badges evaluates achievement unlocks.

PURPOSE:
  A badge is unlocked the first time its criterion holds for a user.
  Evaluate compares the user's derived counters against every badge the
  user does not hold yet and, for each newly satisfied one, records the
  UserBadge row and grants its Bytes and XP reward.

ATOMICITY:
  All unlocks of one Evaluate call, and the rewards that come with them,
  are written in ONE unit of work. Either every row lands or none does:
  a badge is never shown as earned without its reward, and a reward is
  never granted without its badge. Notifications go out after commit.

IDEMPOTENCY:
  UserBadge is unique on (user, badge), and the reward entries carry the
  key "badge:<user>:<badge>". A redundant Evaluate returns an empty list.

SCOPES:
  MinTier:     lowest tier that can EARN the badge
  DisplayTier: lowest tier that can SEE it in the catalog
  Archetype:   when set, only users with that archetype can earn it

SEE ALSO:
  - accounts/counters.go: Metrics used by criteria
  - economy/service.go: RewardIn
  - store/sqlstore: Scope implementation
*/
package badges

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/guidance"
	"github.com/warp/rebound-engine/notify"
)

// =============================================================================
// TYPES
// =============================================================================

type Criterion struct {
	Metric    string `json:"metric" yaml:"metric"`
	Threshold int    `json:"threshold" yaml:"threshold"`
}

func (c Criterion) Satisfied(counters accounts.Counters) bool {
	v, ok := counters.Value(c.Metric)
	return ok && v >= c.Threshold
}

type Badge struct {
	ID          string             `json:"id" yaml:"id"`
	Title       string             `json:"title" yaml:"title"`
	Description string             `json:"description" yaml:"description"`
	Category    string             `json:"category" yaml:"category"`
	XPReward    int64              `json:"xp_reward" yaml:"xp_reward"`
	BytesReward int64              `json:"bytes_reward" yaml:"bytes_reward"`
	MinTier     entitlement.Tier   `json:"min_tier" yaml:"min_tier"`
	DisplayTier entitlement.Tier   `json:"display_tier" yaml:"display_tier"`
	Archetype   guidance.Archetype `json:"archetype,omitempty" yaml:"archetype"`
	Code        string             `json:"code" yaml:"code"`
	Criterion   Criterion          `json:"criterion" yaml:"criterion"`
}

func (b Badge) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("badges: badge without id")
	}
	if !b.MinTier.Valid() {
		return fmt.Errorf("badges: %s min tier: %w", b.ID, generic.Unknown(generic.ErrUnknownTier, string(b.MinTier)))
	}
	if !b.DisplayTier.Valid() {
		return fmt.Errorf("badges: %s display tier: %w", b.ID, generic.Unknown(generic.ErrUnknownTier, string(b.DisplayTier)))
	}
	if _, ok := (accounts.Counters{}).Value(b.Criterion.Metric); !ok {
		return fmt.Errorf("badges: %s has unknown metric %q", b.ID, b.Criterion.Metric)
	}
	if b.Criterion.Threshold <= 0 {
		return fmt.Errorf("badges: %s threshold must be positive", b.ID)
	}
	if b.XPReward < 0 || b.BytesReward < 0 {
		return fmt.Errorf("%w: badge %s reward", generic.ErrInvalidAmount, b.ID)
	}
	return nil
}

// Eligible reports whether the badge's tier and archetype scopes admit u.
func (b Badge) Eligible(u accounts.User) bool {
	if !u.Tier.AtLeast(b.MinTier) {
		return false
	}
	return b.Archetype == "" || b.Archetype == u.Archetype
}

type UserBadge struct {
	UserID   generic.EntityID `json:"user_id" db:"user_id"`
	BadgeID  string           `json:"badge_id" db:"badge_id"`
	EarnedAt time.Time        `json:"earned_at" db:"earned_at"`
}

// Scope is what Evaluate needs from the store handed out by WithTx.
type Scope interface {
	generic.Store
	accounts.Reader
	HeldBadges(ctx context.Context, userID generic.EntityID) ([]UserBadge, error)
	// RecordBadge fails with generic.ErrDuplicateIdempotencyKey when held.
	RecordBadge(ctx context.Context, ub UserBadge) error
}

// RewardKey is the ledger idempotency key of a badge reward.
func RewardKey(userID generic.EntityID, badgeID string) string {
	return "badge:" + string(userID) + ":" + badgeID
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	store     generic.TxStore
	ledger    *economy.Service
	badges    []Badge
	publisher notify.Publisher
	loc       *time.Location
	log       *zap.Logger
}

// NewEvaluator validates the catalog. Badges are evaluated in ID order.
func NewEvaluator(store generic.TxStore, ledger *economy.Service, catalog []Badge, publisher notify.Publisher, log *zap.Logger) (*Evaluator, error) {
	seen := map[string]bool{}
	sorted := make([]Badge, 0, len(catalog))
	for _, b := range catalog {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("badges: duplicate badge %s", b.ID)
		}
		seen[b.ID] = true
		sorted = append(sorted, b)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = notify.NewLogPublisher(log)
	}
	return &Evaluator{
		store:     store,
		ledger:    ledger,
		badges:    sorted,
		publisher: publisher,
		loc:       ledger.Location(),
		log:       log,
	}, nil
}

// Evaluate unlocks every newly satisfied badge for userID.
func (e *Evaluator) Evaluate(ctx context.Context, userID generic.EntityID, now time.Time) ([]Badge, error) {
	var unlocked []Badge
	err := generic.Atomically(ctx, e.store, func(s generic.Store) error {
		unlocked = unlocked[:0]
		scope, ok := s.(Scope)
		if !ok {
			return generic.ErrStoreRequired
		}
		var err error
		unlocked, err = e.evaluateIn(ctx, scope, userID, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]notify.Event, 0, len(unlocked))
	for _, b := range unlocked {
		events = append(events, notify.Event{
			Type:   notify.EventBadgeUnlocked,
			UserID: userID,
			At:     now,
			Payload: map[string]string{
				"badge_id":     b.ID,
				"title":        b.Title,
				"bytes_reward": fmt.Sprint(b.BytesReward),
				"xp_reward":    fmt.Sprint(b.XPReward),
			},
		})
	}
	if err := notify.PublishAll(ctx, e.publisher, events); err != nil {
		e.log.Warn("badge notification failed", zap.String("user_id", string(userID)), zap.Error(err))
	}
	return unlocked, nil
}

func (e *Evaluator) evaluateIn(ctx context.Context, scope Scope, userID generic.EntityID, now time.Time) ([]Badge, error) {
	if err := generic.Lock(ctx, scope, userID); err != nil {
		return nil, err
	}
	user, err := scope.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	counters, err := e.counters(ctx, scope, userID, now)
	if err != nil {
		return nil, err
	}
	held, err := scope.HeldBadges(ctx, userID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(held))
	for _, ub := range held {
		have[ub.BadgeID] = true
	}

	var unlocked []Badge
	for _, b := range e.badges {
		if have[b.ID] || !b.Eligible(user) || !b.Criterion.Satisfied(counters) {
			continue
		}
		if err := scope.RecordBadge(ctx, UserBadge{UserID: userID, BadgeID: b.ID, EarnedAt: now}); err != nil {
			return nil, fmt.Errorf("record badge %s: %w", b.ID, err)
		}
		err := e.ledger.RewardIn(ctx, scope, economy.RewardRequest{
			UserID: userID,
			Bytes:  b.BytesReward,
			XP:     b.XPReward,
			Source: "badge:" + b.ID,
			Key:    RewardKey(userID, b.ID),
			At:     now,
		})
		if err != nil {
			return nil, fmt.Errorf("reward badge %s: %w", b.ID, err)
		}
		unlocked = append(unlocked, b)
	}
	return unlocked, nil
}

func (e *Evaluator) counters(ctx context.Context, scope Scope, userID generic.EntityID, now time.Time) (accounts.Counters, error) {
	recs, err := scope.Activities(ctx, userID)
	if err != nil {
		return accounts.Counters{}, err
	}
	c := accounts.ComputeCounters(recs, now, e.loc)

	txs, err := scope.Load(ctx, userID)
	if err != nil {
		return accounts.Counters{}, err
	}
	earned := generic.NewAmount(0, generic.UnitBytes)
	for _, tx := range txs {
		if tx.Type.Earned() && tx.Delta.Unit == generic.UnitBytes {
			earned = earned.Add(tx.Delta)
		}
	}
	c.BytesEarned = int(earned.Int())
	return c, nil
}

// Catalog lists the badges a tier may see.
func (e *Evaluator) Catalog(tier entitlement.Tier) []Badge {
	var out []Badge
	for _, b := range e.badges {
		if tier.AtLeast(b.DisplayTier) {
			out = append(out, b)
		}
	}
	return out
}

// Held returns the badges the user holds.
func (e *Evaluator) Held(ctx context.Context, userID generic.EntityID) ([]UserBadge, error) {
	var held []UserBadge
	err := e.store.WithTx(ctx, func(s generic.Store) error {
		scope, ok := s.(Scope)
		if !ok {
			return generic.ErrStoreRequired
		}
		var err error
		held, err = scope.HeldBadges(ctx, userID)
		return err
	})
	return held, err
}

// Badge looks up a catalog entry by id.
func (e *Evaluator) Badge(id string) (Badge, bool) {
	for _, b := range e.badges {
		if b.ID == id {
			return b, true
		}
	}
	return Badge{}, false
}
