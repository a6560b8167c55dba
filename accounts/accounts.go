/*
Package accounts owns users and the append-only activity log.

PURPOSE:
  A User carries identity, tier, archetype and enrollment date. Balances
  and XP are NOT user columns: they live in the ledger. Progression
  counters (rituals completed, streak, wall interactions) are derived from
  the activity log on read, so there is no mutable counter that can drift
  from the history behind it.

ACTIVITY LOG:
  One row per real-world activity occurrence, unique on its idempotency
  key. The row also records what happened to its Bytes credit
  ("credited", "daily_cap_reached", ...), so a retried request can return
  the original outcome without re-running the credit.

SEE ALSO:
  - counters.go: Counter derivation
  - store/sqlstore: SQL implementation of Store
  - activity/recorder.go: Writes the log and the credit in one unit of work
*/
package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/guidance"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserDisabled       = errors.New("user disabled")
	ErrWeakPassword       = errors.New("password too short")
	ErrInvalidEmail       = errors.New("invalid email")
)

const MinPasswordLength = 8

// =============================================================================
// TYPES
// =============================================================================

type User struct {
	ID           generic.EntityID   `json:"id" db:"id"`
	Email        string             `json:"email" db:"email"`
	PasswordHash string             `json:"-" db:"password_hash"`
	Tier         entitlement.Tier   `json:"tier" db:"tier"`
	Archetype    guidance.Archetype `json:"archetype,omitempty" db:"archetype"`
	EnrolledAt   time.Time          `json:"enrolled_at" db:"enrolled_at"`
	Disabled     bool               `json:"disabled" db:"disabled"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" db:"updated_at"`
}

// Credit outcomes stored on activity log rows.
const (
	StatusCredited     = "credited"
	StatusDailyCap     = "daily_cap_reached"
	StatusMonthlyCap   = "monthly_cap_exceeded"
	StatusNotRewarding = "not_rewarding"
)

type ActivityRecord struct {
	UserID         generic.EntityID `json:"user_id" db:"user_id"`
	Activity       string           `json:"activity" db:"activity"`
	IdempotencyKey string           `json:"idempotency_key" db:"idempotency_key"`
	CreditStatus   string           `json:"credit_status" db:"credit_status"`
	OccurredAt     time.Time        `json:"occurred_at" db:"occurred_at"`
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader is what read paths (badge evaluation, profile) need.
type Reader interface {
	GetUser(ctx context.Context, id generic.EntityID) (User, error)
	Activities(ctx context.Context, userID generic.EntityID) ([]ActivityRecord, error)
}

// ActivityWriter appends to the activity log. Implementations bound to a
// transaction are handed out by generic.TxStore.WithTx.
type ActivityWriter interface {
	// RecordActivity inserts rec; false means its key already exists.
	RecordActivity(ctx context.Context, rec ActivityRecord) (bool, error)
	ActivityByKey(ctx context.Context, key string) (*ActivityRecord, error)
}

type Store interface {
	Reader
	ActivityWriter
	CreateUser(ctx context.Context, u User) error
	GetUserByEmail(ctx context.Context, email string) (User, error)
	SetTier(ctx context.Context, id generic.EntityID, tier entitlement.Tier, at time.Time) error
	SetArchetype(ctx context.Context, id generic.EntityID, archetype guidance.Archetype, at time.Time) error
	Disable(ctx context.Context, id generic.EntityID, at time.Time) error
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
	cost  int
}

func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, now: time.Now, log: log, cost: bcrypt.DefaultCost}
}

// WithClock replaces the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithHashCost lowers the bcrypt cost. Tests only.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// Signup creates a free-tier user enrolled now.
func (s *Service) Signup(ctx context.Context, email, password string) (User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if len(password) < MinPasswordLength {
		return User{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	u := User{
		ID:           generic.EntityID(uuid.NewString()),
		Email:        email,
		PasswordHash: string(hash),
		Tier:         entitlement.TierFree,
		EnrolledAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return User{}, err
	}
	s.log.Info("user signed up", zap.String("user_id", string(u.ID)))
	return u, nil
}

// Authenticate checks credentials. Unknown email and wrong password give
// the same error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, generic.ErrEntityNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	if u.Disabled {
		return User{}, ErrUserDisabled
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id generic.EntityID) (User, error) {
	return s.store.GetUser(ctx, id)
}

// ChangeTier is applied by the payment webhook. The next entitlement
// check reads the new tier from the store.
func (s *Service) ChangeTier(ctx context.Context, id generic.EntityID, tier entitlement.Tier) error {
	if !tier.Valid() {
		return generic.Unknown(generic.ErrUnknownTier, string(tier))
	}
	if err := s.store.SetTier(ctx, id, tier, s.now().UTC()); err != nil {
		return err
	}
	s.log.Info("tier changed", zap.String("user_id", string(id)), zap.String("tier", string(tier)))
	return nil
}

// SetArchetype stores the content flavor. Empty clears it.
func (s *Service) SetArchetype(ctx context.Context, id generic.EntityID, archetype guidance.Archetype) error {
	return s.store.SetArchetype(ctx, id, archetype, s.now().UTC())
}

// Disable soft-disables a user. Users are never deleted.
func (s *Service) Disable(ctx context.Context, id generic.EntityID) error {
	return s.store.Disable(ctx, id, s.now().UTC())
}

// Counters derives progression counters from the activity log.
func (s *Service) Counters(ctx context.Context, id generic.EntityID, loc *time.Location) (Counters, error) {
	recs, err := s.store.Activities(ctx, id)
	if err != nil {
		return Counters{}, err
	}
	return ComputeCounters(recs, s.now(), loc), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
