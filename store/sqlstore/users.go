package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/guidance"
)

// Compile-time checks
var (
	_ generic.TxStore = (*Store)(nil)
	_ accounts.Store  = (*Store)(nil)
	_ generic.Locker  = (*txScope)(nil)
	_ badges.Scope    = (*txScope)(nil)
	_ accounts.Store  = (*txScope)(nil)
)

// =============================================================================
// USERS (accounts.Store interface)
// =============================================================================

type userRow struct {
	ID           string `db:"id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	Tier         string `db:"tier"`
	Archetype    string `db:"archetype"`
	EnrolledAt   string `db:"enrolled_at"`
	Disabled     bool   `db:"disabled"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

const userColumns = `id, email, password_hash, tier, archetype, enrolled_at, disabled, created_at, updated_at`

func (r userRow) user() accounts.User {
	return accounts.User{
		ID:           generic.EntityID(r.ID),
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Tier:         entitlement.Tier(r.Tier),
		Archetype:    guidance.Archetype(r.Archetype),
		EnrolledAt:   parseTime(r.EnrolledAt),
		Disabled:     r.Disabled,
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

func (o ops) CreateUser(ctx context.Context, u accounts.User) error {
	_, err := o.exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(u.ID), u.Email, u.PasswordHash, string(u.Tier), string(u.Archetype),
		formatTime(u.EnrolledAt), u.Disabled, formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return accounts.ErrEmailTaken
		}
		return mapError(fmt.Errorf("failed to create user: %w", err))
	}
	return nil
}

func (o ops) GetUser(ctx context.Context, id generic.EntityID) (accounts.User, error) {
	return o.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, string(id))
}

func (o ops) GetUserByEmail(ctx context.Context, email string) (accounts.User, error) {
	return o.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (o ops) getUser(ctx context.Context, query string, arg string) (accounts.User, error) {
	var row userRow
	if err := o.get(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accounts.User{}, fmt.Errorf("user %s: %w", arg, generic.ErrEntityNotFound)
		}
		return accounts.User{}, mapError(fmt.Errorf("failed to load user: %w", err))
	}
	return row.user(), nil
}

func (o ops) SetTier(ctx context.Context, id generic.EntityID, tier entitlement.Tier, at time.Time) error {
	return o.updateUser(ctx, id, `UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`, string(tier), formatTime(at), string(id))
}

func (o ops) SetArchetype(ctx context.Context, id generic.EntityID, archetype guidance.Archetype, at time.Time) error {
	return o.updateUser(ctx, id, `UPDATE users SET archetype = ?, updated_at = ? WHERE id = ?`, string(archetype), formatTime(at), string(id))
}

func (o ops) Disable(ctx context.Context, id generic.EntityID, at time.Time) error {
	return o.updateUser(ctx, id, `UPDATE users SET disabled = ?, updated_at = ? WHERE id = ?`, true, formatTime(at), string(id))
}

// UserIDs pages through user ids in order, starting after the given id.
// Disabled users are included; their ledgers still have to add up.
func (o ops) UserIDs(ctx context.Context, after generic.EntityID, limit int) ([]generic.EntityID, error) {
	var ids []string
	if err := o.selectAll(ctx, &ids, `SELECT id FROM users WHERE id > ? ORDER BY id LIMIT ?`, string(after), limit); err != nil {
		return nil, mapError(fmt.Errorf("failed to list users: %w", err))
	}
	out := make([]generic.EntityID, len(ids))
	for i, id := range ids {
		out[i] = generic.EntityID(id)
	}
	return out, nil
}

func (o ops) updateUser(ctx context.Context, id generic.EntityID, query string, args ...any) error {
	res, err := o.exec(ctx, query, args...)
	if err != nil {
		return mapError(fmt.Errorf("failed to update user: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, generic.ErrEntityNotFound)
	}
	return nil
}

// =============================================================================
// ACTIVITY LOG
// =============================================================================

type activityRow struct {
	IdempotencyKey string `db:"idempotency_key"`
	UserID         string `db:"user_id"`
	Activity       string `db:"activity"`
	CreditStatus   string `db:"credit_status"`
	OccurredAt     string `db:"occurred_at"`
}

func (r activityRow) record() accounts.ActivityRecord {
	return accounts.ActivityRecord{
		UserID:         generic.EntityID(r.UserID),
		Activity:       r.Activity,
		IdempotencyKey: r.IdempotencyKey,
		CreditStatus:   r.CreditStatus,
		OccurredAt:     parseTime(r.OccurredAt),
	}
}

func (o ops) RecordActivity(ctx context.Context, rec accounts.ActivityRecord) (bool, error) {
	res, err := o.exec(ctx, `
		INSERT INTO activity_log (idempotency_key, user_id, activity, credit_status, occurred_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.IdempotencyKey, string(rec.UserID), rec.Activity, rec.CreditStatus, formatTime(rec.OccurredAt))
	if err != nil {
		return false, mapError(fmt.Errorf("failed to record activity: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (o ops) ActivityByKey(ctx context.Context, key string) (*accounts.ActivityRecord, error) {
	var rows []activityRow
	err := o.selectAll(ctx, &rows, `
		SELECT idempotency_key, user_id, activity, credit_status, occurred_at
		FROM activity_log WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load activity: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := rows[0].record()
	return &rec, nil
}

func (o ops) Activities(ctx context.Context, userID generic.EntityID) ([]accounts.ActivityRecord, error) {
	var rows []activityRow
	err := o.selectAll(ctx, &rows, `
		SELECT idempotency_key, user_id, activity, credit_status, occurred_at
		FROM activity_log WHERE user_id = ? ORDER BY occurred_at ASC`, string(userID))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load activities: %w", err))
	}
	out := make([]accounts.ActivityRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// =============================================================================
// BADGES (badges.Scope interface)
// =============================================================================

type badgeRow struct {
	UserID   string `db:"user_id"`
	BadgeID  string `db:"badge_id"`
	EarnedAt string `db:"earned_at"`
}

func (o ops) HeldBadges(ctx context.Context, userID generic.EntityID) ([]badges.UserBadge, error) {
	var rows []badgeRow
	err := o.selectAll(ctx, &rows, `
		SELECT user_id, badge_id, earned_at FROM user_badges
		WHERE user_id = ? ORDER BY earned_at ASC, badge_id ASC`, string(userID))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to load badges: %w", err))
	}
	out := make([]badges.UserBadge, len(rows))
	for i, r := range rows {
		out[i] = badges.UserBadge{UserID: generic.EntityID(r.UserID), BadgeID: r.BadgeID, EarnedAt: parseTime(r.EarnedAt)}
	}
	return out, nil
}

func (o ops) RecordBadge(ctx context.Context, ub badges.UserBadge) error {
	_, err := o.exec(ctx, `
		INSERT INTO user_badges (user_id, badge_id, earned_at) VALUES (?, ?, ?)`,
		string(ub.UserID), ub.BadgeID, formatTime(ub.EarnedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return mapError(fmt.Errorf("failed to record badge: %w", err))
	}
	return nil
}
