/*
Package activity records completed user activities.

PURPOSE:
  Complete is the single entry point for "the user did X". In one unit of
  work it appends the activity-log row and attempts the Bytes credit, so
  the log and the ledger cannot disagree about an occurrence. A cap
  rejection does not fail the completion: the activity still counts
  toward streaks and badges, it just earns nothing.

FLOW:
  1. Lock user, look up the idempotency key in the activity log
  2. Duplicate key: return the stored outcome, no effects
  3. CreditIn (caps apply); cap errors become a CreditDenied status
  4. RecordActivity with that status
  5. After commit: badge evaluation, reward.credited notification

SEE ALSO:
  - economy/service.go: CreditIn, CreditFor
  - badges/badges.go: Evaluate
*/
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/notify"
)

type Request struct {
	UserID         generic.EntityID
	Activity       economy.Activity
	IdempotencyKey string
	OccurredAt     time.Time
}

// Outcome is what the client sees for one completion.
type Outcome struct {
	Activity     economy.Activity      `json:"activity"`
	Key          string                `json:"idempotency_key"`
	Duplicate    bool                  `json:"duplicate"`
	Status       string                `json:"credit_status"`
	Credit       *economy.CreditResult `json:"credit,omitempty"`
	CreditDenied string                `json:"credit_denied,omitempty"`
	Balance      generic.Amount        `json:"balance"`
	NewBadges    []badges.Badge        `json:"new_badges"`
}

type Recorder struct {
	store     generic.TxStore
	ledger    *economy.Service
	evaluator *badges.Evaluator
	publisher notify.Publisher
	now       func() time.Time
	log       *zap.Logger
}

func NewRecorder(store generic.TxStore, ledger *economy.Service, evaluator *badges.Evaluator, publisher notify.Publisher, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = notify.NewLogPublisher(log)
	}
	return &Recorder{
		store:     store,
		ledger:    ledger,
		evaluator: evaluator,
		publisher: publisher,
		now:       time.Now,
		log:       log,
	}
}

// WithClock replaces the time source. Tests only.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Complete records one activity occurrence.
func (r *Recorder) Complete(ctx context.Context, req Request) (Outcome, error) {
	if _, err := economy.ParseActivity(string(req.Activity)); err != nil {
		return Outcome{}, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = r.now()
	}

	var out Outcome
	err := generic.Atomically(ctx, r.store, func(s generic.Store) error {
		var err error
		out, err = r.completeIn(ctx, s, req)
		return err
	})
	if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key committed first.
		err = r.store.WithTx(ctx, func(s generic.Store) error {
			w, ok := s.(accounts.ActivityWriter)
			if !ok {
				return generic.ErrStoreRequired
			}
			prev, err := w.ActivityByKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prev == nil {
				return generic.ErrDuplicateIdempotencyKey
			}
			out, err = r.replay(ctx, s, req, *prev)
			return err
		})
	}
	if err != nil {
		return Outcome{}, err
	}
	if out.Duplicate {
		return out, nil
	}

	r.log.Info("activity completed",
		zap.String("user_id", string(req.UserID)),
		zap.String("activity", string(req.Activity)),
		zap.String("status", out.Status))

	if r.evaluator != nil {
		unlocked, err := r.evaluator.Evaluate(ctx, req.UserID, req.OccurredAt)
		if err != nil {
			// The completion is committed; badges catch up on the next evaluation.
			r.log.Warn("badge evaluation failed", zap.String("user_id", string(req.UserID)), zap.Error(err))
		}
		if len(unlocked) > 0 {
			out.NewBadges = unlocked
			if bal, err := r.ledger.Balance(ctx, req.UserID); err == nil {
				out.Balance = bal
			}
		}
	}
	if out.Credit != nil && out.Credit.Credited.IsPositive() {
		ev := notify.Event{
			Type:   notify.EventRewardCredited,
			UserID: req.UserID,
			At:     req.OccurredAt,
			Payload: map[string]string{
				"activity": string(req.Activity),
				"credited": out.Credit.Credited.Value.String(),
				"balance":  out.Credit.Balance.Value.String(),
			},
		}
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.log.Warn("reward notification failed", zap.String("user_id", string(req.UserID)), zap.Error(err))
		}
	}
	return out, nil
}

func (r *Recorder) completeIn(ctx context.Context, s generic.Store, req Request) (Outcome, error) {
	w, ok := s.(accounts.ActivityWriter)
	if !ok {
		return Outcome{}, generic.ErrStoreRequired
	}
	if err := generic.Lock(ctx, s, req.UserID); err != nil {
		return Outcome{}, err
	}
	prev, err := w.ActivityByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return Outcome{}, err
	}
	if prev != nil {
		return r.replay(ctx, s, req, *prev)
	}

	out := Outcome{Activity: req.Activity, Key: req.IdempotencyKey, Status: accounts.StatusCredited, NewBadges: []badges.Badge{}}
	credit, err := r.ledger.CreditIn(ctx, s, economy.CreditRequest{
		UserID:         req.UserID,
		Activity:       req.Activity,
		OccurredAt:     req.OccurredAt,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
		out.Credit = &credit
		out.Balance = credit.Balance
	case errors.Is(err, generic.ErrDailyCapReached):
		out.Status, out.CreditDenied = accounts.StatusDailyCap, accounts.StatusDailyCap
	case errors.Is(err, generic.ErrMonthlyCapExceeded):
		out.Status, out.CreditDenied = accounts.StatusMonthlyCap, accounts.StatusMonthlyCap
	case errors.Is(err, generic.ErrUnknownActivity):
		// Known tag whose rule is switched off.
		out.Status = accounts.StatusNotRewarding
	default:
		return Outcome{}, err
	}
	if out.Credit == nil {
		if out.Balance, err = s.Balance(ctx, req.UserID, generic.UnitBytes); err != nil {
			return Outcome{}, err
		}
	}

	inserted, err := w.RecordActivity(ctx, accounts.ActivityRecord{
		UserID:         req.UserID,
		Activity:       string(req.Activity),
		IdempotencyKey: req.IdempotencyKey,
		CreditStatus:   out.Status,
		OccurredAt:     req.OccurredAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record activity: %w", err)
	}
	if !inserted {
		return Outcome{}, generic.ErrDuplicateIdempotencyKey
	}
	return out, nil
}

// replay rebuilds the outcome of an already recorded key.
func (r *Recorder) replay(ctx context.Context, s generic.Store, req Request, prev accounts.ActivityRecord) (Outcome, error) {
	if prev.UserID != req.UserID {
		return Outcome{}, fmt.Errorf("%w: key belongs to another user", generic.ErrDuplicateIdempotencyKey)
	}
	out := Outcome{
		Activity:  economy.Activity(prev.Activity),
		Key:       prev.IdempotencyKey,
		Duplicate: true,
		Status:    prev.CreditStatus,
		NewBadges: []badges.Badge{},
	}
	switch prev.CreditStatus {
	case accounts.StatusDailyCap, accounts.StatusMonthlyCap:
		out.CreditDenied = prev.CreditStatus
	}
	credit, ok, err := r.ledger.CreditFor(ctx, s, req.UserID, prev.IdempotencyKey)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		out.Credit = &credit
	}
	if out.Balance, err = s.Balance(ctx, req.UserID, generic.UnitBytes); err != nil {
		return Outcome{}, err
	}
	return out, nil
}
