/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context; the HTTP layer
  is the only place that turns them into status codes and messages.

ERROR CATEGORIES:
  1. Configuration errors - unknown activity / feature / item / tier
     (programming errors, always surfaced loudly)
  2. Expected outcomes - caps reached, insufficient balance, not entitled
  3. Store errors - conflicts and missing rows

USAGE:
  if errors.Is(err, generic.ErrDailyCapReached) {
      // not granted this time, the surrounding action still succeeds
  }

SEE ALSO:
  - ledger.go: Uses these errors
  - store.go: Uses these errors
*/
package generic

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned by stores when a transaction with
	// the same idempotency key already exists. Services turn a true replay
	// into the previous result; a key reused for a different operation
	// surfaces as this error.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrUnknownActivity: the activity tag has no active earning rule.
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrUnknownFeature: the feature key is not in the entitlement map.
	ErrUnknownFeature = errors.New("unknown feature key")

	// ErrUnknownTier: the tier is not one of the ordered tiers.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrUnknownItem: the catalog item does not exist.
	ErrUnknownItem = errors.New("unknown catalog item")

	// ErrDailyCapReached: the activity already hit its per-day occurrence cap.
	ErrDailyCapReached = errors.New("daily cap reached")

	// ErrMonthlyCapExceeded: no monthly headroom left for the activity.
	ErrMonthlyCapExceeded = errors.New("monthly cap exceeded")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotEntitled: the caller's tier does not unlock the feature.
	ErrNotEntitled = errors.New("not entitled")

	// ErrInvalidAmount: amounts must be whole and non-negative.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrConcurrentModification is returned when the store detects a
	// serialization conflict. The whole unit of work may be retried.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrEntityNotFound is returned when a referenced user doesn't exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrBalanceDiverged: materialized balance differs from the ledger sum.
	ErrBalanceDiverged = errors.New("materialized balance diverged from ledger")

	// ErrStoreRequired is returned when an operation requires a specific store capability.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	EntityID  EntityID
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %v, requested %v, shortfall %v",
		e.Available.Value, e.Requested.Value, e.Shortfall.Value)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// CapError reports which cap stopped a credit.
type CapError struct {
	EntityID EntityID
	Activity string
	Window   string // "day" or "month"
	Limit    int64
	Used     int64
	Since    time.Time
}

func (e *CapError) Error() string {
	return fmt.Sprintf("%s cap for %s: used %d of %d since %s",
		e.Window, e.Activity, e.Used, e.Limit, e.Since.Format("2006-01-02"))
}

func (e *CapError) Unwrap() error {
	if e.Window == "day" {
		return ErrDailyCapReached
	}
	return ErrMonthlyCapExceeded
}

// UnknownKeyError names the key that failed a static table lookup.
type UnknownKeyError struct {
	Kind error
	Key  string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("%v: %q", e.Kind, e.Key)
}

func (e *UnknownKeyError) Unwrap() error {
	return e.Kind
}

// Unknown builds an UnknownKeyError for one of the Unknown* sentinels.
func Unknown(kind error, key string) error {
	return &UnknownKeyError{Kind: kind, Key: key}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true for expected, user-facing outcomes.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDailyCapReached) ||
		errors.Is(err, ErrMonthlyCapExceeded) ||
		errors.Is(err, ErrNotEntitled) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsCapped returns true if the error is one of the earning cap outcomes.
func IsCapped(err error) bool {
	return errors.Is(err, ErrDailyCapReached) || errors.Is(err, ErrMonthlyCapExceeded)
}

// IsConfigError returns true for lookups against the static tables that
// should never fail in a correctly wired deployment.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownActivity) ||
		errors.Is(err, ErrUnknownFeature) ||
		errors.Is(err, ErrUnknownTier) ||
		errors.Is(err, ErrUnknownItem)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
