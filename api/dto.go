/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - webhook.go: Payment webhook payloads
*/
package api

import (
	"time"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/guidance"
)

// =============================================================================
// AUTH
// =============================================================================

type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserDTO   `json:"user"`
}

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID         string             `json:"id"`
	Email      string             `json:"email"`
	Tier       entitlement.Tier   `json:"tier"`
	Archetype  guidance.Archetype `json:"archetype,omitempty"`
	EnrolledAt time.Time          `json:"enrolled_at"`
}

func toUserDTO(u accounts.User) UserDTO {
	return UserDTO{
		ID:         string(u.ID),
		Email:      u.Email,
		Tier:       u.Tier,
		Archetype:  u.Archetype,
		EnrolledAt: u.EnrolledAt,
	}
}

type ProfileDTO struct {
	User     UserDTO           `json:"user"`
	Counters accounts.Counters `json:"counters"`
	Bytes    int64             `json:"bytes"`
	XP       int64             `json:"xp"`
}

type ArchetypeRequest struct {
	Archetype guidance.Archetype `json:"archetype"`
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	Bytes          int64 `json:"bytes"`
	XP             int64 `json:"xp"`
	LifetimeEarned int64 `json:"lifetime_earned"`
	Purchased      int64 `json:"purchased"`
	Spent          int64 `json:"spent"`
}

func toBalanceDTO(s economy.Summary) BalanceDTO {
	return BalanceDTO{
		Bytes:          s.Bytes.Int(),
		XP:             s.XP.Int(),
		LifetimeEarned: s.LifetimeEarned.Int(),
		Purchased:      s.Purchased.Int(),
		Spent:          s.Spent.Int(),
	}
}

// BalanceAtDTO is a replayed balance at a point in time.
type BalanceAtDTO struct {
	At    time.Time `json:"at"`
	Bytes int64     `json:"bytes"`
	XP    int64     `json:"xp"`
}

type VerifyDTO struct {
	Consistent bool   `json:"consistent"`
	Bytes      int64  `json:"bytes"`
	XP         int64  `json:"xp"`
	Detail     string `json:"detail,omitempty"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Activity    string    `json:"activity,omitempty"`
	Amount      int64     `json:"amount"`
	Unit        string    `json:"unit"`
	EffectiveAt time.Time `json:"effective_at"`
	Reason      string    `json:"reason,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:          string(tx.ID),
			Type:        string(tx.Type),
			Activity:    tx.Activity,
			Amount:      tx.Delta.Int(),
			Unit:        string(tx.Delta.Unit),
			EffectiveAt: tx.EffectiveAt,
			Reason:      tx.Reason,
			ReferenceID: tx.ReferenceID,
		}
	}
	return out
}

// =============================================================================
// ACTIVITIES / PURCHASES
// =============================================================================

type CompleteActivityRequest struct {
	Activity       string `json:"activity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type PurchaseRequest struct {
	ItemID         string `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type PurchaseDTO struct {
	Item      economy.CatalogItem `json:"item"`
	Debited   int64               `json:"debited"`
	Balance   int64               `json:"balance"`
	Duplicate bool                `json:"duplicate"`
}

// =============================================================================
// BADGES
// =============================================================================

type BadgesDTO struct {
	Held    []badges.UserBadge `json:"held"`
	Catalog []badges.Badge     `json:"catalog"`
}

type EvaluateDTO struct {
	Unlocked []badges.Badge `json:"unlocked"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
